package rates

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fxsettle/observability"
	"fxsettle/services/fxswapd/orders"
)

// ErrRateUnavailable is returned when every configured source failed for a pair.
var ErrRateUnavailable = errors.New("rates: rate unavailable")

const (
	defaultTTL           = 30 * time.Second
	defaultSourceTimeout = 10 * time.Second
	snapshotTimeout      = 5 * time.Second
)

// DefaultConfidence holds the static per-source confidence weights.
var DefaultConfidence = map[string]decimal.Decimal{
	SourceChainlink: decimal.RequireFromString("0.99"),
	SourcePyth:      decimal.RequireFromString("0.97"),
	SourceCoinGecko: decimal.RequireFromString("0.90"),
	SourceStatic:    decimal.RequireFromString("0.50"),
}

var fallbackConfidence = decimal.RequireFromString("0.80")

// Quote is an accepted exchange rate.
type Quote struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Rate        decimal.Decimal `json:"rate"`
	Source      string          `json:"source"`
	Confidence  decimal.Decimal `json:"confidence"`
	Timestamp   time.Time       `json:"timestamp"`
	PublishedAt time.Time       `json:"published_at,omitempty"`
	Cached      bool            `json:"cached"`
}

// Age reports how long ago the quote was fetched.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// SnapshotRecorder persists accepted rates for audit.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, snapshot orders.RateSnapshot) error
}

// Aggregator resolves rates from prioritised sources behind a short-lived cache.
type Aggregator struct {
	sources    []Source
	ttl        time.Duration
	timeout    time.Duration
	now        func() time.Time
	recorder   SnapshotRecorder
	logger     *log.Logger
	metrics    *observability.RateMetrics
	confidence map[string]decimal.Decimal

	mu    sync.RWMutex
	cache map[string]Quote

	pending sync.WaitGroup
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTTL overrides the cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Aggregator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithSourceTimeout bounds every individual source call.
func WithSourceTimeout(timeout time.Duration) Option {
	return func(a *Aggregator) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.now = clock }
}

// WithRecorder installs the snapshot recorder.
func WithRecorder(recorder SnapshotRecorder) Option {
	return func(a *Aggregator) { a.recorder = recorder }
}

// WithLogger installs a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.RateMetrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithConfidence overrides the confidence weight of a named source.
func WithConfidence(source string, score decimal.Decimal) Option {
	return func(a *Aggregator) { a.confidence[source] = score }
}

// NewAggregator constructs an aggregator trying sources in the supplied order.
func NewAggregator(sources []Source, opts ...Option) (*Aggregator, error) {
	filtered := make([]Source, 0, len(sources))
	for _, src := range sources {
		if src != nil {
			filtered = append(filtered, src)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("rates: at least one source required")
	}
	agg := &Aggregator{
		sources:    filtered,
		ttl:        defaultTTL,
		timeout:    defaultSourceTimeout,
		now:        time.Now,
		logger:     log.Default(),
		metrics:    observability.Rates(),
		confidence: make(map[string]decimal.Decimal, len(DefaultConfidence)),
		cache:      make(map[string]Quote),
	}
	for name, score := range DefaultConfidence {
		agg.confidence[name] = score
	}
	for _, opt := range opts {
		if opt != nil {
			opt(agg)
		}
	}
	if agg.now == nil {
		agg.now = time.Now
	}
	if agg.logger == nil {
		agg.logger = log.Default()
	}
	return agg, nil
}

// Sources returns the configured source names in priority order.
func (a *Aggregator) Sources() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.sources))
	for _, src := range a.sources {
		names = append(names, src.Name())
	}
	return names
}

// GetRate returns a cached quote younger than the TTL or fetches a fresh one.
func (a *Aggregator) GetRate(ctx context.Context, from, to string) (Quote, error) {
	if a == nil {
		return Quote{}, fmt.Errorf("rates: aggregator not configured")
	}
	from, to = normaliseCurrency(from), normaliseCurrency(to)
	if from == "" || to == "" {
		return Quote{}, fmt.Errorf("rates: currency pair required")
	}
	if from == to {
		return a.identity(from), nil
	}
	key := pairKey(from, to)
	now := a.now()
	a.mu.RLock()
	cached, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && now.Sub(cached.Timestamp) < a.ttl {
		a.metrics.RecordCacheHit()
		cached.Cached = true
		return cached, nil
	}
	return a.fetch(ctx, from, to)
}

// Refresh bypasses the cache and fetches a fresh quote.
func (a *Aggregator) Refresh(ctx context.Context, from, to string) (Quote, error) {
	if a == nil {
		return Quote{}, fmt.Errorf("rates: aggregator not configured")
	}
	from, to = normaliseCurrency(from), normaliseCurrency(to)
	if from == "" || to == "" {
		return Quote{}, fmt.Errorf("rates: currency pair required")
	}
	if from == to {
		return a.identity(from), nil
	}
	return a.fetch(ctx, from, to)
}

// Invalidate drops the cached quote for a pair.
func (a *Aggregator) Invalidate(from, to string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.cache, pairKey(from, to))
	a.mu.Unlock()
}

// Wait blocks until queued snapshot writes have finished.
func (a *Aggregator) Wait() {
	if a == nil {
		return
	}
	a.pending.Wait()
}

func (a *Aggregator) identity(currency string) Quote {
	return Quote{
		From:       currency,
		To:         currency,
		Rate:       decimal.NewFromInt(1),
		Source:     SourceIdentity,
		Confidence: decimal.NewFromInt(1),
		Timestamp:  a.now().UTC(),
	}
}

func (a *Aggregator) fetch(ctx context.Context, from, to string) (Quote, error) {
	var lastErr error
	for _, src := range a.sources {
		if err := ctx.Err(); err != nil {
			return Quote{}, err
		}
		obs, err := a.fetchOne(ctx, src, from, to)
		if err != nil {
			a.logger.Printf("fxswapd: rate source %s failed for %s/%s: %v", src.Name(), from, to, err)
			lastErr = err
			continue
		}
		quote := Quote{
			From:        from,
			To:          to,
			Rate:        obs.Rate,
			Source:      src.Name(),
			Confidence:  a.confidenceFor(src.Name()),
			Timestamp:   a.now().UTC(),
			PublishedAt: obs.PublishedAt,
		}
		a.mu.Lock()
		a.cache[pairKey(from, to)] = quote
		a.mu.Unlock()
		a.metrics.RecordRate(from, to, quote.Source, quote.Rate)
		a.record(quote)
		return quote, nil
	}
	a.metrics.RecordUnavailable(from, to)
	if lastErr == nil {
		lastErr = fmt.Errorf("no source returned a rate")
	}
	return Quote{}, fmt.Errorf("%w for %s/%s: %v", ErrRateUnavailable, from, to, lastErr)
}

func (a *Aggregator) fetchOne(ctx context.Context, src Source, from, to string) (obs Observation, err error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		a.metrics.ObserveFetch(src.Name(), time.Since(start), err)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()
	obs, err = src.Fetch(callCtx, from, to)
	if err != nil {
		return Observation{}, err
	}
	if !obs.Rate.IsPositive() {
		return Observation{}, fmt.Errorf("non-positive rate %s", obs.Rate.String())
	}
	return obs, nil
}

func (a *Aggregator) confidenceFor(source string) decimal.Decimal {
	if score, ok := a.confidence[source]; ok {
		return score
	}
	return fallbackConfidence
}

func (a *Aggregator) record(quote Quote) {
	if a.recorder == nil {
		return
	}
	snapshot := orders.RateSnapshot{
		FromCurrency:    quote.From,
		ToCurrency:      quote.To,
		Rate:            quote.Rate,
		Source:          quote.Source,
		ConfidenceScore: quote.Confidence,
		Timestamp:       quote.Timestamp,
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := a.recorder.RecordSnapshot(ctx, snapshot); err != nil {
			a.logger.Printf("fxswapd: record rate snapshot %s/%s: %v", snapshot.FromCurrency, snapshot.ToCurrency, err)
		}
	}()
}
