package rates

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fxsettle/services/fxswapd/orders"
)

type countingSource struct {
	name  string
	calls atomic.Int32
	rate  decimal.Decimal
	err   error
	delay time.Duration
}

func (s *countingSource) Name() string { return s.name }

func (s *countingSource) Fetch(ctx context.Context, from, to string) (Observation, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Observation{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Observation{}, s.err
	}
	return Observation{Rate: s.rate}, nil
}

type memoryRecorder struct {
	mu        sync.Mutex
	snapshots []orders.RateSnapshot
	err       error
}

func (r *memoryRecorder) RecordSnapshot(_ context.Context, snapshot orders.RateSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.snapshots = append(r.snapshots, snapshot)
	return nil
}

func (r *memoryRecorder) recorded() []orders.RateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orders.RateSnapshot(nil), r.snapshots...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAggregatorFallsBackToSecondSourceAndCaches(t *testing.T) {
	primary := &countingSource{name: SourceChainlink, err: errors.New("rpc down")}
	secondary := &countingSource{name: SourcePyth, rate: decimal.RequireFromString("1.27")}
	recorder := &memoryRecorder{}
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	agg, err := NewAggregator([]Source{primary, secondary}, WithRecorder(recorder), WithClock(clock.Now), WithMetrics(nil))
	require.NoError(t, err)

	quote, err := agg.GetRate(context.Background(), "gbp", "usd")
	require.NoError(t, err)
	require.Equal(t, SourcePyth, quote.Source)
	require.True(t, quote.Rate.Equal(decimal.RequireFromString("1.27")))
	require.True(t, quote.Confidence.Equal(decimal.RequireFromString("0.97")))
	require.False(t, quote.Cached)

	clock.Advance(10 * time.Second)
	cached, err := agg.GetRate(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.True(t, cached.Cached)
	require.EqualValues(t, 1, primary.calls.Load())
	require.EqualValues(t, 1, secondary.calls.Load())

	agg.Wait()
	snapshots := recorder.recorded()
	require.Len(t, snapshots, 1)
	require.Equal(t, "GBP", snapshots[0].FromCurrency)
	require.Equal(t, SourcePyth, snapshots[0].Source)
}

func TestAggregatorCacheExpires(t *testing.T) {
	src := &countingSource{name: SourceChainlink, rate: decimal.RequireFromString("1.27")}
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	agg, err := NewAggregator([]Source{src}, WithClock(clock.Now), WithMetrics(nil))
	require.NoError(t, err)

	_, err = agg.GetRate(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	clock.Advance(31 * time.Second)
	_, err = agg.GetRate(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 2, src.calls.Load())

	_, err = agg.Refresh(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 3, src.calls.Load())

	agg.Invalidate("gbp", "usd")
	_, err = agg.GetRate(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 4, src.calls.Load())
}

func TestAggregatorAllSourcesFail(t *testing.T) {
	first := &countingSource{name: SourceChainlink, err: errors.New("rpc down")}
	second := &countingSource{name: SourceCoinGecko, rate: decimal.Zero}
	agg, err := NewAggregator([]Source{first, second}, WithMetrics(nil))
	require.NoError(t, err)

	quote, err := agg.GetRate(context.Background(), "GBP", "USD")
	require.ErrorIs(t, err, ErrRateUnavailable)
	require.True(t, quote.Rate.IsZero(), "no numeric fallback is returned")
	require.EqualValues(t, 1, second.calls.Load())
}

func TestAggregatorSourceTimeoutMovesOn(t *testing.T) {
	slow := &countingSource{name: SourceChainlink, rate: decimal.RequireFromString("1.30"), delay: time.Second}
	fast := &countingSource{name: SourceCoinGecko, rate: decimal.RequireFromString("1.27")}
	agg, err := NewAggregator([]Source{slow, fast}, WithSourceTimeout(20*time.Millisecond), WithMetrics(nil))
	require.NoError(t, err)

	quote, err := agg.GetRate(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.Equal(t, SourceCoinGecko, quote.Source)
}

func TestAggregatorRecorderFailureDoesNotFailCall(t *testing.T) {
	src := &countingSource{name: SourceChainlink, rate: decimal.RequireFromString("1.27")}
	recorder := &memoryRecorder{err: errors.New("disk full")}
	agg, err := NewAggregator([]Source{src}, WithRecorder(recorder), WithMetrics(nil))
	require.NoError(t, err)

	_, err = agg.GetRate(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	agg.Wait()
}

func TestAggregatorRecoversFromPanickingSource(t *testing.T) {
	panicky := SourceFunc{Label: "broken", Fn: func(context.Context, string, string) (Observation, error) {
		panic("nil map")
	}}
	good := &countingSource{name: SourceStatic, rate: decimal.RequireFromString("1.25")}
	agg, err := NewAggregator([]Source{panicky, good}, WithMetrics(nil))
	require.NoError(t, err)

	quote, err := agg.GetRate(context.Background(), "GBP", "USD")
	require.NoError(t, err)
	require.Equal(t, SourceStatic, quote.Source)
	require.True(t, quote.Confidence.Equal(decimal.RequireFromString("0.5")))
}

func TestAggregatorIdentityPair(t *testing.T) {
	src := &countingSource{name: SourceChainlink, rate: decimal.RequireFromString("1.27")}
	agg, err := NewAggregator([]Source{src}, WithMetrics(nil))
	require.NoError(t, err)

	quote, err := agg.GetRate(context.Background(), "usd", "USD")
	require.NoError(t, err)
	require.True(t, quote.Rate.Equal(decimal.NewFromInt(1)))
	require.Equal(t, SourceIdentity, quote.Source)
	require.Zero(t, src.calls.Load())
}

func TestNewAggregatorRequiresSources(t *testing.T) {
	_, err := NewAggregator(nil)
	require.Error(t, err)
}
