package feeds

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET SCANNER - Upstream market source
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls the Gamma API for short-duration binary markets matching the
// configured asset set and pushes discoveries to subscribers. The engine
// treats this as the external Market Source; nothing downstream depends
// on how markets are found.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarketSource yields newly discovered markets
type MarketSource interface {
	Discoveries() <-chan types.MarketInfo
}

// ScannerConfig tunes discovery
type ScannerConfig struct {
	APIURL          string
	Assets          []string // question must mention one, empty = all
	MaxWindowLength time.Duration
	ScanInterval    time.Duration
}

// Scanner polls Gamma for expiring markets
type Scanner struct {
	mu      sync.Mutex
	cfg     ScannerConfig
	running bool
	stopCh  chan struct{}

	httpClient *http.Client
	seen       map[string]struct{}
	out        chan types.MarketInfo
}

// NewScanner creates a stopped scanner
func NewScanner(cfg ScannerConfig) *Scanner {
	return &Scanner{
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		seen:       make(map[string]struct{}),
		out:        make(chan types.MarketInfo, 100),
	}
}

// Discoveries returns the channel of newly found markets
func (s *Scanner) Discoveries() <-chan types.MarketInfo {
	return s.out
}

// Start begins the scan loop
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.scanLoop()
	log.Info().
		Strs("assets", s.cfg.Assets).
		Dur("interval", s.cfg.ScanInterval).
		Msg("🔍 Market scanner started")
}

// Stop halts the scan loop
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("Market scanner stopped")
}

func (s *Scanner) scanLoop() {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.scan()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	Question     string `json:"question"`
	EndDate      string `json:"endDate"`
	ClobTokenIDs string `json:"clobTokenIds"` // JSON-encoded array
	NegRisk      bool   `json:"negRisk"`
	Closed       bool   `json:"closed"`
}

func (s *Scanner) scan() {
	now := time.Now().UTC()
	url := fmt.Sprintf("%s/markets?active=true&closed=false&end_date_min=%s&end_date_max=%s&limit=100",
		s.cfg.APIURL,
		now.Format(time.RFC3339),
		now.Add(s.cfg.MaxWindowLength).Format(time.RFC3339))

	markets, err := s.fetch(url)
	if err != nil {
		log.Warn().Err(err).Msg("Market scan failed")
		return
	}

	found := 0
	for _, gm := range markets {
		if gm.Closed || !s.matchesAssets(gm.Question) {
			continue
		}
		endTime, err := time.Parse(time.RFC3339, gm.EndDate)
		if err != nil {
			continue
		}

		var tokenIDs []string
		if err := json.Unmarshal([]byte(gm.ClobTokenIDs), &tokenIDs); err != nil || len(tokenIDs) == 0 {
			continue
		}

		// clobTokenIds is ordered [YES, NO] on Gamma; we watch the first
		tokenID := tokenIDs[0]
		side := types.SideYes
		s.mu.Lock()
		_, dup := s.seen[tokenID]
		if !dup {
			s.seen[tokenID] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			continue
		}

		info := types.MarketInfo{
			TokenID:     tokenID,
			ConditionID: gm.ConditionID,
			Question:    gm.Question,
			EndTime:     endTime.UTC(),
			Side:        side,
			NegRisk:     gm.NegRisk,
		}
		select {
		case s.out <- info:
			found++
		default:
			log.Warn().Msg("Discovery channel full, dropping market")
		}
	}

	if found > 0 {
		log.Info().Int("new", found).Msg("Markets discovered")
	}
}

func (s *Scanner) fetch(url string) ([]gammaMarket, error) {
	resp, err := s.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var markets []gammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, err
	}
	return markets, nil
}

func (s *Scanner) matchesAssets(question string) bool {
	if len(s.cfg.Assets) == 0 {
		return true
	}
	upper := strings.ToUpper(question)
	for _, asset := range s.cfg.Assets {
		if strings.Contains(upper, strings.ToUpper(asset)) {
			return true
		}
	}
	return false
}
