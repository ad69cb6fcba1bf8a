package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET WEBSOCKET FEED - Live price ticks per outcome token
// ═══════════════════════════════════════════════════════════════════════════════
//
// Maintains the CLOB market-channel connection with reconnect and ping
// loops. Fan-out to subscribers is non-blocking: a slow consumer drops
// ticks rather than stalling the read loop.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Tick is one best-bid/ask update for an outcome token
type Tick struct {
	TokenID string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	At      time.Time
}

// TickStream is the price feed surface the engine consumes
type TickStream interface {
	Subscribe() <-chan Tick
	Watch(tokenID string) error
}

// PolymarketFeed manages the WebSocket connection and tick distribution
type PolymarketFeed struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	subscribers []chan Tick
	watched     map[string]struct{}
}

// NewPolymarketFeed creates a feed against the given WS endpoint
func NewPolymarketFeed(wsURL string) *PolymarketFeed {
	return &PolymarketFeed{
		wsURL:   wsURL,
		stopCh:  make(chan struct{}),
		watched: make(map[string]struct{}),
	}
}

// Start connects and begins processing
func (f *PolymarketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Price feed started")
}

// Stop closes the connection
func (f *PolymarketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Price feed stopped")
}

// Subscribe returns a channel that receives ticks
func (f *PolymarketFeed) Subscribe() <-chan Tick {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Tick, 1000)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Watch subscribes the connection to an outcome token's book
func (f *PolymarketFeed) Watch(tokenID string) error {
	f.mu.Lock()
	f.watched[tokenID] = struct{}{}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil // will be subscribed on (re)connect
	}
	return f.sendSubscribe(conn, []string{tokenID})
}

func (f *PolymarketFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Feed connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (f *PolymarketFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	tokens := make([]string, 0, len(f.watched))
	for id := range f.watched {
		tokens = append(tokens, id)
	}
	f.mu.Unlock()

	log.Info().Int("watched", len(tokens)).Msg("🔌 Feed WebSocket connected")

	if len(tokens) > 0 {
		if err := f.sendSubscribe(conn, tokens); err != nil {
			log.Warn().Err(err).Msg("Resubscribe failed")
		}
	}

	go f.pingLoop()
	return nil
}

func (f *PolymarketFeed) sendSubscribe(conn *websocket.Conn, tokenIDs []string) error {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": tokenIDs,
	}
	return conn.WriteJSON(msg)
}

func (f *PolymarketFeed) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			f.mu.RUnlock()

			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (f *PolymarketFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Feed read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

type wsMessage struct {
	EventType string          `json:"event_type"`
	Asset     string          `json:"asset_id"`
	Bids      [][]interface{} `json:"bids"`
	Asks      [][]interface{} `json:"asks"`
	Changes   []struct {
		Price string `json:"price"`
		Side  string `json:"side"`
	} `json:"changes"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

func (f *PolymarketFeed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "book":
			f.handleBook(msg)
		case "price_change":
			f.handlePriceChange(msg)
		}
	}
}

// handleBook extracts top-of-book from a full snapshot. Polymarket sends
// bids ascending and asks descending, so best is the last entry of each.
func (f *PolymarketFeed) handleBook(msg wsMessage) {
	bid, okBid := topLevel(msg.Bids)
	ask, okAsk := topLevel(msg.Asks)
	if !okBid || !okAsk {
		return
	}
	f.broadcast(Tick{TokenID: msg.Asset, BestBid: bid, BestAsk: ask, At: time.Now().UTC()})
}

func (f *PolymarketFeed) handlePriceChange(msg wsMessage) {
	bid, errB := decimal.NewFromString(msg.BestBid)
	ask, errA := decimal.NewFromString(msg.BestAsk)
	if errB != nil || errA != nil {
		return
	}
	f.broadcast(Tick{TokenID: msg.Asset, BestBid: bid, BestAsk: ask, At: time.Now().UTC()})
}

func topLevel(levels [][]interface{}) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	last := levels[len(levels)-1]
	if len(last) == 0 {
		return decimal.Zero, false
	}
	s, ok := last[0].(string)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// broadcast fans the tick out without blocking the read loop
func (f *PolymarketFeed) broadcast(tick Tick) {
	f.mu.RLock()
	subs := f.subscribers
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
			// slow consumer, drop
		}
	}
}
