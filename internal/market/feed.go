package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/dezvedaofficial-del/Plasmabot3.5/internal/observ"
)

// FeedConfig configures the market-data collaborator.
type FeedConfig struct {
	Symbol          string
	WSURLs          []string
	RESTBaseURL     string
	StaleAfter      time.Duration
	ReconnectMax    time.Duration
	KlineRatePerSec float64
	KlineBurst      int
}

// Slot is a single-value holder with overwrite semantics: the most recent
// snapshot wins, stale values are never queued.
type Slot struct {
	mu   sync.RWMutex
	snap Snapshot
	set  bool
}

func (s *Slot) Put(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.set = true
}

func (s *Slot) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.set
}

// Feed consumes the exchange WebSocket streams and publishes the latest
// snapshot into a Slot. It owns reconnection; consumers only ever see the
// staleness threshold (the engine maps stale data to a waiting cycle).
type Feed struct {
	cfg     FeedConfig
	slot    *Slot
	vols    *VolTracker
	limiter *rate.Limiter
	httpc   *http.Client

	mu    sync.Mutex
	cache struct {
		bid, ask float64
		bids     []Level
		asks     []Level
	}
}

func NewFeed(cfg FeedConfig, vols *VolTracker) *Feed {
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.KlineRatePerSec == 0 {
		cfg.KlineRatePerSec = 2
	}
	if cfg.KlineBurst == 0 {
		cfg.KlineBurst = 2
	}
	return &Feed{
		cfg:     cfg,
		slot:    &Slot{},
		vols:    vols,
		limiter: rate.NewLimiter(rate.Limit(cfg.KlineRatePerSec), cfg.KlineBurst),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Latest returns the most recent snapshot, if any has arrived.
func (f *Feed) Latest() (Snapshot, bool) {
	return f.slot.Latest()
}

// Stale reports whether the latest snapshot is older than the configured
// threshold, or no snapshot has arrived at all.
func (f *Feed) Stale(now time.Time) bool {
	snap, ok := f.slot.Latest()
	stale := !ok || snap.StaleAfter(now, f.cfg.StaleAfter)
	if stale {
		observ.SetGauge("feed_stale", 1, nil)
	} else {
		observ.SetGauge("feed_stale", 0, nil)
	}
	return stale
}

func (f *Feed) streamURL(base string) string {
	sym := strings.ToLower(f.cfg.Symbol)
	parts := []string{
		base,
		sym + "@ticker",
		sym + "@depth5@100ms",
	}
	for _, tf := range Timeframes {
		parts = append(parts, sym+"@kline_"+string(tf))
	}
	return strings.Join(parts, "/")
}

// Start runs the WebSocket consume loop until the context is cancelled.
// Connection failures rotate between configured endpoints with exponential
// backoff (reset on a successful connect).
func (f *Feed) Start(ctx context.Context) {
	go f.run(ctx)
}

func (f *Feed) run(ctx context.Context) {
	delay := time.Second
	urlIndex := 0
	for ctx.Err() == nil {
		u := f.streamURL(f.cfg.WSURLs[urlIndex])
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil {
			observ.IncCounter("feed_connect_failures_total", nil)
			observ.Log("feed_connect_failed", map[string]any{"url": u, "error": err.Error()})
		} else {
			observ.Log("feed_connected", map[string]any{"url": u})
			delay = time.Second
			f.consume(ctx, conn)
			_ = conn.Close()
		}

		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.ReconnectMax {
			delay = f.cfg.ReconnectMax
		}
		urlIndex = (urlIndex + 1) % len(f.cfg.WSURLs)
	}
}

func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) {
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.StaleAfter + 20*time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			observ.IncCounter("feed_read_errors_total", nil)
			observ.Log("feed_disconnected", map[string]any{"error": err.Error()})
			return
		}
		if err := f.handleMessage(msg); err != nil {
			// Input-quality error: drop the message, keep the connection.
			observ.IncCounter("feed_bad_messages_total", nil)
		}
	}
}

type wireMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (f *Feed) handleMessage(msg []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(msg, &wm); err != nil {
		return fmt.Errorf("decode stream message: %w", err)
	}
	if wm.Stream == "" || wm.Data == nil {
		return nil
	}

	switch {
	case strings.Contains(wm.Stream, "@ticker"):
		var t struct {
			Bid string `json:"b"`
			Ask string `json:"a"`
		}
		if err := json.Unmarshal(wm.Data, &t); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}
		bid, err1 := strconv.ParseFloat(t.Bid, 64)
		ask, err2 := strconv.ParseFloat(t.Ask, 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("parse ticker quote")
		}
		f.mu.Lock()
		f.cache.bid, f.cache.ask = bid, ask
		f.publishLocked()
		f.mu.Unlock()

	case strings.Contains(wm.Stream, "@depth"):
		var d struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		}
		if err := json.Unmarshal(wm.Data, &d); err != nil {
			return fmt.Errorf("decode depth: %w", err)
		}
		f.mu.Lock()
		f.cache.bids = parseLevels(d.Bids)
		f.cache.asks = parseLevels(d.Asks)
		f.publishLocked()
		f.mu.Unlock()

	case strings.Contains(wm.Stream, "@kline"):
		var k struct {
			Kline struct {
				Interval string `json:"i"`
				Close    string `json:"c"`
				Closed   bool   `json:"x"`
			} `json:"k"`
		}
		if err := json.Unmarshal(wm.Data, &k); err != nil {
			return fmt.Errorf("decode kline: %w", err)
		}
		if !k.Kline.Closed {
			return nil
		}
		close, err := strconv.ParseFloat(k.Kline.Close, 64)
		if err != nil {
			return fmt.Errorf("parse kline close")
		}
		f.vols.ObserveClose(Timeframe(k.Kline.Interval), close)
	}
	return nil
}

// publishLocked assembles a snapshot from the stream cache once a two-sided
// quote exists. Caller holds f.mu.
func (f *Feed) publishLocked() {
	if f.cache.bid <= 0 || f.cache.ask <= 0 {
		return
	}
	snap := NewSnapshot(
		strings.ToUpper(f.cfg.Symbol),
		f.cache.bid, f.cache.ask,
		f.cache.bids, f.cache.asks,
		time.Now().UTC(),
	)
	if !snap.Valid() {
		observ.IncCounter("feed_invalid_snapshots_total", nil)
		return
	}
	f.slot.Put(snap)
	observ.SetGauge("feed_mid_price", snap.MidPrice, nil)
}

func parseLevels(raw [][]string) []Level {
	levels := make([]Level, 0, len(raw))
	for _, pq := range raw {
		if len(pq) < 2 {
			continue
		}
		p, err1 := strconv.ParseFloat(pq[0], 64)
		q, err2 := strconv.ParseFloat(pq[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, Level{Price: p, Qty: q})
	}
	return levels
}

// Backfill seeds the volatility windows from REST klines, one request per
// timeframe, throttled by the shared limiter.
func (f *Feed) Backfill(ctx context.Context) error {
	for _, tf := range Timeframes {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		closes, err := f.fetchKlineCloses(ctx, tf, volWindow+1)
		if err != nil {
			observ.IncCounter("feed_backfill_failures_total", map[string]string{"timeframe": string(tf)})
			return fmt.Errorf("backfill %s: %w", tf, err)
		}
		f.vols.Seed(tf, closes)
	}
	observ.Log("feed_backfill_complete", map[string]any{"timeframes": len(Timeframes)})
	return nil
}

func (f *Feed) fetchKlineCloses(ctx context.Context, tf Timeframe, limit int) ([]float64, error) {
	u, err := url.Parse(f.cfg.RESTBaseURL + "/api/v3/klines")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("symbol", strings.ToUpper(f.cfg.Symbol))
	q.Set("interval", string(tf))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines returned %d", resp.StatusCode)
	}

	var rows [][]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	closes := make([]float64, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		s, ok := row[4].(string)
		if !ok {
			continue
		}
		c, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		closes = append(closes, c)
	}
	return closes, nil
}
