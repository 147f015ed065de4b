package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Fetcher pulls a live rate from an upstream price source.
type Fetcher interface {
	Fetch(ctx context.Context, token, fiat string) (decimal.Decimal, error)
}

type cacheEntry struct {
	quote   Quote
	fetched time.Time
}

// CachedOracle serves live rates with a per-pair TTL cache. When the
// upstream fails it serves the last known quote, then the fallback oracle.
type CachedOracle struct {
	mu       sync.RWMutex
	cache    map[string]cacheEntry
	ttl      time.Duration
	upstream Fetcher
	fallback Oracle
	logger   *slog.Logger
	now      func() time.Time
}

// NewCachedOracle wraps upstream. fallback may be nil.
func NewCachedOracle(upstream Fetcher, fallback Oracle, ttl time.Duration, logger *slog.Logger) *CachedOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedOracle{
		cache:    make(map[string]cacheEntry),
		ttl:      ttl,
		upstream: upstream,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Rate implements Oracle.
func (o *CachedOracle) Rate(ctx context.Context, token, fiat string) (Quote, error) {
	key := Pair(token, fiat)
	now := o.now()

	o.mu.RLock()
	entry, ok := o.cache[key]
	o.mu.RUnlock()
	if ok && now.Sub(entry.fetched) < o.ttl {
		return entry.quote, nil
	}

	rate, err := o.upstream.Fetch(ctx, token, fiat)
	if err == nil && rate.IsPositive() {
		q := Quote{
			Token:  strings.ToUpper(token),
			Fiat:   strings.ToUpper(fiat),
			Rate:   rate,
			AsOf:   now,
			Source: "live",
		}
		o.mu.Lock()
		o.cache[key] = cacheEntry{quote: q, fetched: now}
		o.mu.Unlock()
		return q, nil
	}
	if err == nil {
		err = fmt.Errorf("%w: %s", ErrBadRate, rate)
	}
	o.logger.Warn("rate fetch failed", "pair", key, "error", err)

	if ok {
		stale := entry.quote
		stale.Source = "stale"
		return stale, nil
	}
	if o.fallback != nil {
		return o.fallback.Rate(ctx, token, fiat)
	}
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnknownPair, key, err)
}

// CoinGecko fetches rates from the CoinGecko simple price API.
type CoinGecko struct {
	baseURL string
	ids     map[string]string
	client  *http.Client
}

// DefaultCoinGeckoIDs maps token symbols to CoinGecko coin IDs.
var DefaultCoinGeckoIDs = map[string]string{
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"MATIC": "matic-network",
}

// NewCoinGecko returns a fetcher against baseURL, defaulting to the public API.
func NewCoinGecko(baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		ids:     DefaultCoinGeckoIDs,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Fetch implements Fetcher.
func (c *CoinGecko) Fetch(ctx context.Context, token, fiat string) (decimal.Decimal, error) {
	id, ok := c.ids[strings.ToUpper(token)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no coingecko id for %s", ErrUnknownPair, token)
	}
	vs := strings.ToLower(fiat)
	q := url.Values{"ids": {id}, "vs_currencies": {vs}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch rate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate API returned status %d", resp.StatusCode)
	}

	var result map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response: %w", err)
	}
	rate, ok := result[id][vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s missing from response", ErrUnknownPair, id, vs)
	}
	return rate, nil
}
