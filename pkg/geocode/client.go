// Package geocode resolves French postal addresses to coordinates through the
// national address API (api-adresse.data.gouv.fr), with a result cache,
// completion-driven batch dispatch and an address-simplification ladder.
package geocode

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public endpoint of the Base Adresse Nationale.
const DefaultBaseURL = "https://api-adresse.data.gouv.fr"

// Defaults for the batch dispatcher.
const (
	DefaultBatchSize      = 10
	DefaultRequestTimeout = 10 * time.Second
	DefaultWaitBudget     = 60 * time.Second
	DefaultCacheTTL       = 24 * time.Hour
	DefaultRateLimit      = 40
)

// Client resolves addresses to coordinates.
type Client interface {
	// Geocode resolves one query, consulting the cache first. A provider
	// failure is logged and counted and yields nil.
	Geocode(ctx context.Context, q Query) *Result

	// ResolveMany resolves every query, keyed by a caller-chosen key. Cache
	// misses are dispatched concurrently. A key maps to nil when the provider
	// had no answer; keys abandoned by the wait budget are absent.
	ResolveMany(ctx context.Context, queries map[string]Query) map[string]*Result

	// ResolveWithFallback walks the simplification ladder of FallbackQueries
	// and returns the first non-nil result.
	ResolveWithFallback(ctx context.Context, address string) *Result

	// Stats returns counters accumulated since the client was created.
	Stats() Stats
}

// Query is an address to resolve: either its components or a flattened text.
type Query struct {
	Street     string
	PostalCode string
	City       string
	Text       string
}

// String returns the free-text form sent to the provider.
func (q Query) String() string {
	if q.Text != "" {
		return strings.TrimSpace(q.Text)
	}
	return strings.Join(strings.Fields(strings.Join([]string{q.Street, q.PostalCode, q.City}, " ")), " ")
}

// Result is the first candidate returned by the provider.
type Result struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
}

// Stats counts client activity.
type Stats struct {
	CacheHits   int64 `json:"cache_hits" yaml:"cache_hits"`
	CacheMisses int64 `json:"cache_misses" yaml:"cache_misses"`
	Requests    int64 `json:"requests" yaml:"requests"`
	NotFound    int64 `json:"not_found" yaml:"not_found"`
	Errors      int64 `json:"errors" yaml:"errors"`
	Abandoned   int64 `json:"abandoned" yaml:"abandoned"`
}

// cacheKey is the SHA-256 of ville|adresse|code_postal, lower-cased and trimmed.
// A flattened query contributes its text as the adresse part.
func cacheKey(q Query) string {
	street := q.Street
	if q.Text != "" {
		street = q.Text
	}
	normalized := fmt.Sprintf("%s|%s|%s",
		strings.ToLower(strings.TrimSpace(q.City)),
		strings.ToLower(strings.TrimSpace(street)),
		strings.ToLower(strings.TrimSpace(q.PostalCode)),
	)
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithBaseURL points the client at another deployment of the address API.
func WithBaseURL(u string) Option {
	return func(g *geocoder) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) { g.httpClient = hc }
}

// WithRateLimit sets the requests-per-second rate limit.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLimiter sets the rate limiter directly.
func WithLimiter(l *rate.Limiter) Option {
	return func(g *geocoder) { g.limiter = l }
}

// WithBatchSize bounds the number of requests in flight in ResolveMany.
func WithBatchSize(n int) Option {
	return func(g *geocoder) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

// WithRequestTimeout bounds each provider request.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *geocoder) {
		if d > 0 {
			g.requestTimeout = d
		}
	}
}

// WithWaitBudget bounds one ResolveMany call as a whole.
func WithWaitBudget(d time.Duration) Option {
	return func(g *geocoder) {
		if d > 0 {
			g.waitBudget = d
		}
	}
}

// WithCache sets the result cache and its TTL.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(g *geocoder) {
		g.cache = c
		if ttl > 0 {
			g.cacheTTL = ttl
		}
	}
}

type geocoder struct {
	baseURL        string
	httpClient     *http.Client
	limiter        *rate.Limiter
	cache          Cache
	cacheTTL       time.Duration
	batchSize      int
	requestTimeout time.Duration
	waitBudget     time.Duration
	log            *zap.Logger

	hits, misses, requests, notFound, errors, abandoned atomic.Int64
}

// NewClient creates a new geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		baseURL:        DefaultBaseURL,
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(DefaultRateLimit, DefaultRateLimit),
		cacheTTL:       DefaultCacheTTL,
		batchSize:      DefaultBatchSize,
		requestTimeout: DefaultRequestTimeout,
		waitBudget:     DefaultWaitBudget,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cache == nil {
		g.cache = NewMemoryCache(nil)
	}
	g.log = zap.L().With(zap.String("component", "geocode"))
	return g
}

func (g *geocoder) Stats() Stats {
	return Stats{
		CacheHits:   g.hits.Load(),
		CacheMisses: g.misses.Load(),
		Requests:    g.requests.Load(),
		NotFound:    g.notFound.Load(),
		Errors:      g.errors.Load(),
		Abandoned:   g.abandoned.Load(),
	}
}

// Purge drops expired entries from caches that keep them. Caches with their
// own expiry, such as Redis, report zero.
func (g *geocoder) Purge() int {
	if p, ok := g.cache.(Purger); ok {
		return p.Purge()
	}
	return 0
}

func (g *geocoder) lookup(ctx context.Context, key string) (*Result, bool) {
	if r, ok := g.cache.Get(ctx, key); ok {
		g.hits.Add(1)
		return r, true
	}
	g.misses.Add(1)
	return nil, false
}

// fetchOne performs one rate-limited, time-bounded provider request and
// caches a non-nil result. Failures are logged and counted, never returned.
// A request cut short by the caller's context is not counted as an error;
// ResolveMany accounts for it as abandoned.
func (g *geocoder) fetchOne(parent context.Context, key string, q Query) *Result {
	ctx, cancel := context.WithTimeout(parent, g.requestTimeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		if parent.Err() == nil {
			g.errors.Add(1)
		}
		g.log.Debug("geocode: rate limiter wait", zap.String("query", q.String()), zap.Error(err))
		return nil
	}

	g.requests.Add(1)
	res, err := g.search(ctx, q.String())
	if err != nil {
		if parent.Err() != nil {
			return nil
		}
		g.errors.Add(1)
		g.log.Warn("geocode: request failed", zap.String("query", q.String()), zap.Error(err))
		return nil
	}
	if res == nil {
		g.notFound.Add(1)
		return nil
	}
	g.cache.Set(ctx, key, res, g.cacheTTL)
	return res
}

func (g *geocoder) Geocode(ctx context.Context, q Query) *Result {
	if q.String() == "" {
		return nil
	}
	key := cacheKey(q)
	if r, ok := g.lookup(ctx, key); ok {
		return r
	}
	return g.fetchOne(ctx, key, q)
}

func (g *geocoder) ResolveWithFallback(ctx context.Context, address string) *Result {
	for i, text := range FallbackQueries(address) {
		if r := g.Geocode(ctx, Query{Text: text}); r != nil {
			if i > 0 {
				g.log.Debug("geocode: resolved by fallback",
					zap.String("address", address), zap.String("query", text), zap.Int("rung", i+1))
			}
			return r
		}
	}
	return nil
}
