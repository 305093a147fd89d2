package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// PriceFeed consumes the venue's trade stream and caches the latest price
// per instrument. CurrentPrice serves from the cache while it is fresh and
// falls back to the REST source otherwise, so execution never prices an
// order off a dead socket.
type PriceFeed struct {
	url      string
	symbols  []string
	rest     market.PriceSource
	maxStale time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	prices map[string]tickEntry
}

type tickEntry struct {
	price float64
	at    time.Time
}

type tradeEnvelope struct {
	Stream string     `json:"stream"`
	Data   tradeEvent `json:"data"`
}

type tradeEvent struct {
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

func NewPriceFeed(url string, symbols []string, rest market.PriceSource, log zerolog.Logger) *PriceFeed {
	return &PriceFeed{
		url:      url,
		symbols:  symbols,
		rest:     rest,
		maxStale: 30 * time.Second,
		log:      log,
		prices:   make(map[string]tickEntry, len(symbols)),
	}
}

// CurrentPrice returns the cached last trade when fresh, otherwise the REST
// ticker.
func (f *PriceFeed) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	f.mu.RLock()
	entry, ok := f.prices[instrument]
	f.mu.RUnlock()
	if ok && time.Since(entry.at) <= f.maxStale {
		return entry.price, nil
	}
	return f.rest.CurrentPrice(ctx, instrument)
}

// Run consumes the stream until ctx is canceled, reconnecting with capped
// exponential backoff.
func (f *PriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		return fmt.Errorf("price feed requires at least one symbol")
	}

	streams := make([]string, len(f.symbols))
	for i, sym := range f.symbols {
		streams[i] = strings.ToLower(sym) + "@trade"
	}
	url := fmt.Sprintf("%s/stream?streams=%s", f.url, strings.Join(streams, "/"))

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consume(ctx, url); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Msg("price feed disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (f *PriceFeed) consume(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.log.Info().Strs("symbols", f.symbols).Msg("connected price feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("price feed ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env tradeEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			f.log.Warn().Err(err).Msg("failed to decode trade message")
			continue
		}
		symbol := parseStreamSymbol(env.Stream)
		px, err := parseFloat(env.Data.Price, "price")
		if err != nil {
			f.log.Warn().Err(err).Str("sym", symbol).Msg("invalid trade price")
			continue
		}
		f.record(symbol, px)
	}
}

// record keys freshness on local receipt time, not the venue trade time, so
// clock skew cannot mark a live feed stale.
func (f *PriceFeed) record(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = tickEntry{price: price, at: time.Now()}
	f.mu.Unlock()
}

func parseStreamSymbol(stream string) string {
	parts := strings.Split(stream, "@")
	if len(parts) == 0 || parts[0] == "" {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(parts[0])
}
