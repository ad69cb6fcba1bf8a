package notify

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - High-visibility operator events
// ═══════════════════════════════════════════════════════════════════════════════
//
// Optional: a nil *Telegram is safe to call, so the engine never branches
// on whether the operator configured a chat. Kill-switch repeats are
// throttled so an active halt doesn't flood the channel.
//
// ═══════════════════════════════════════════════════════════════════════════════

const repeatThrottle = 5 * time.Minute

// Telegram pushes engine events to an operator chat
type Telegram struct {
	mu       sync.Mutex
	api      *tgbotapi.BotAPI
	chatID   int64
	lastSent map[string]time.Time
}

// NewTelegram creates the notifier; returns nil (safe no-op) when token
// or chat id is unset.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram notifier disabled")
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")
	return &Telegram{
		api:      api,
		chatID:   chatID,
		lastSent: make(map[string]time.Time),
	}, nil
}

// KillSwitch announces a halt; repeats for the same switch are throttled
func (t *Telegram) KillSwitch(switchType, reason string) {
	if t == nil {
		return
	}
	if !t.shouldSend("kill:" + switchType) {
		return
	}
	t.send(fmt.Sprintf("🚨 KILL SWITCH: %s\n%s", switchType, reason))
}

// BreakerTrip announces a per-market circuit breaker opening
func (t *Telegram) BreakerTrip(tokenID string) {
	if t == nil {
		return
	}
	if !t.shouldSend("breaker:" + tokenID) {
		return
	}
	t.send(fmt.Sprintf("⛔ Circuit breaker OPEN\n%s", tokenID))
}

// Fill announces a successful FOK fill
func (t *Telegram) Fill(tokenID string, size, price decimal.Decimal) {
	if t == nil {
		return
	}
	t.send(fmt.Sprintf("✅ FILLED $%s @ %s\n%s", size.StringFixed(2), price.StringFixed(2), tokenID))
}

// SessionSummary reports end-of-session stats
func (t *Telegram) SessionSummary(attempted, filled int, pnl decimal.Decimal) {
	if t == nil {
		return
	}
	t.send(fmt.Sprintf("📊 Session: %d attempted, %d filled, P&L $%s", attempted, filled, pnl.StringFixed(2)))
}

func (t *Telegram) shouldSend(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastSent[key]; ok && time.Since(last) < repeatThrottle {
		return false
	}
	t.lastSent[key] = time.Now()
	return true
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
