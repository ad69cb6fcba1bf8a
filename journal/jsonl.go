package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// JSONL BACKEND - Daily UTC segments, fsync before success
// ═══════════════════════════════════════════════════════════════════════════════

const segmentPrefix = "trades_"

// JSONL appends newline-delimited TradeRecords to daily segment files
// named trades_YYYY-MM-DD.jsonl. Safe for concurrent use.
type JSONL struct {
	mu     sync.Mutex
	dir    string
	clk    clock.Clock
	file   *os.File
	day    string // current segment date, "2006-01-02"
	nextID uint64
}

// NewJSONL opens (or creates) the segment directory and resumes the
// monotonic record ID from the newest existing segment.
func NewJSONL(dir string, clk clock.Clock) (*JSONL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	j := &JSONL{dir: dir, clk: clk, nextID: 1}
	if err := j.resumeID(); err != nil {
		return nil, err
	}
	log.Info().Str("dir", dir).Uint64("next_id", j.nextID).Msg("📒 Trade journal ready (JSONL)")
	return j, nil
}

// Append marshals rec, writes it to the current day's segment, and fsyncs
// before returning. A non-nil error here is fatal to the caller.
func (j *JSONL) Append(rec *types.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotateLocked(j.clk.Now()); err != nil {
		return err
	}

	rec.ID = j.nextID
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}
	if _, err := j.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal fsync: %w", err)
	}
	j.nextID++
	return nil
}

// IterSince scans every segment in date order and returns records with
// wall_time >= since. Lines that fail to parse are skipped with a warning;
// unknown fields in well-formed lines are tolerated.
func (j *JSONL) IterSince(since time.Time) ([]types.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	paths, err := j.segmentPaths()
	if err != nil {
		return nil, err
	}

	var out []types.TradeRecord
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var rec types.TradeRecord
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				log.Warn().Str("segment", filepath.Base(p)).Err(err).Msg("Skipping malformed journal line")
				continue
			}
			if !rec.WallTime.Before(since) {
				out = append(out, rec)
			}
		}
		scanErr := sc.Err()
		f.Close()
		if scanErr != nil {
			return nil, scanErr
		}
	}
	return out, nil
}

// CloseDay forces rotation to the segment for the given UTC date.
func (j *JSONL) CloseDay(date time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rotateLocked(date)
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *JSONL) rotateLocked(now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	if j.file != nil && day == j.day {
		return nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return err
		}
		log.Info().Str("closed", j.day).Str("opened", day).Msg("Journal segment rotated")
	}
	path := filepath.Join(j.dir, segmentPrefix+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal open %s: %w", path, err)
	}
	j.file = f
	j.day = day
	return nil
}

func (j *JSONL) segmentPaths() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, ".jsonl") {
			paths = append(paths, filepath.Join(j.dir, name))
		}
	}
	sort.Strings(paths) // date-named, lexical == chronological
	return paths, nil
}

// resumeID seeds the monotonic record counter past anything on disk.
func (j *JSONL) resumeID() error {
	paths, err := j.segmentPaths()
	if err != nil {
		return err
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var rec types.TradeRecord
			if json.Unmarshal(sc.Bytes(), &rec) == nil && rec.ID >= j.nextID {
				j.nextID = rec.ID + 1
			}
		}
		f.Close()
	}
	return nil
}
