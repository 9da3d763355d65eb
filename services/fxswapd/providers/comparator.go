package providers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fxsettle/observability"
	telemetry "fxsettle/observability/otel"
)

var (
	// ErrNoProviderAvailable is returned when no provider can quote the request.
	ErrNoProviderAvailable = errors.New("providers: no provider available")
	// ErrProviderUnsupported is returned when the preferred provider cannot take the request.
	ErrProviderUnsupported = errors.New("providers: provider unsupported")
)

const defaultQuoteTimeout = 10 * time.Second

// Comparator ranks providers by total cost and creates payments with the winner.
type Comparator struct {
	providers []Provider
	timeout   time.Duration
	logger    *log.Logger
	metrics   *observability.ProviderMetrics
	tracer    trace.Tracer
}

// ComparatorOption customises the comparator.
type ComparatorOption func(*Comparator)

// WithQuoteTimeout bounds each provider fee model lookup.
func WithQuoteTimeout(timeout time.Duration) ComparatorOption {
	return func(c *Comparator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithComparatorLogger installs a custom logger.
func WithComparatorLogger(l *log.Logger) ComparatorOption {
	return func(c *Comparator) { c.logger = l }
}

// WithComparatorMetrics overrides the metrics registry.
func WithComparatorMetrics(m *observability.ProviderMetrics) ComparatorOption {
	return func(c *Comparator) { c.metrics = m }
}

// NewComparator constructs a comparator over the supplied providers.
func NewComparator(providers []Provider, opts ...ComparatorOption) (*Comparator, error) {
	filtered := make([]Provider, 0, len(providers))
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := strings.ToLower(p.Name())
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("providers: duplicate provider %q", name)
		}
		seen[name] = struct{}{}
		filtered = append(filtered, p)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("providers: at least one provider required")
	}
	c := &Comparator{
		providers: filtered,
		timeout:   defaultQuoteTimeout,
		logger:    log.Default(),
		metrics:   observability.Providers(),
		tracer:    telemetry.Tracer("fxsettle/providers"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c, nil
}

// Provider returns the named provider.
func (c *Comparator) Provider(name string) (Provider, bool) {
	if c == nil {
		return nil, false
	}
	for _, p := range c.providers {
		if strings.EqualFold(p.Name(), strings.TrimSpace(name)) {
			return p, true
		}
	}
	return nil, false
}

// Compare queries every enabled, capable provider concurrently and returns the
// viable quotes cheapest first. Providers that fail or do not support the
// request are omitted.
func (c *Comparator) Compare(ctx context.Context, amount decimal.Decimal, token, currency string) ([]Quote, error) {
	if c == nil {
		return nil, fmt.Errorf("providers: comparator not configured")
	}
	ctx, span := c.tracer.Start(ctx, "providers.Compare", trace.WithAttributes(
		attribute.String("fx.currency", strings.ToUpper(currency)),
		attribute.String("fx.token", strings.ToUpper(token)),
	))
	defer span.End()

	req := FeeRequest{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency)), Token: strings.ToUpper(strings.TrimSpace(token))}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("providers: amount must be positive")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		quotes = make([]Quote, 0, len(c.providers))
	)
	for _, p := range c.providers {
		caps := p.Capabilities()
		if err := caps.Supports(req.Amount, req.Currency, req.Token); err != nil {
			continue
		}
		wg.Add(1)
		go func(p Provider, caps Capabilities) {
			defer wg.Done()
			quote, err := c.quote(ctx, p, caps, req)
			if err != nil {
				c.logger.Printf("fxswapd: provider %s fee model failed: %v", p.Name(), err)
				return
			}
			mu.Lock()
			quotes = append(quotes, quote)
			mu.Unlock()
		}(p, caps)
	}
	wg.Wait()

	if len(quotes) == 0 {
		span.SetStatus(codes.Error, "no provider available")
		return nil, fmt.Errorf("%w for %s %s -> %s", ErrNoProviderAvailable, req.Amount.String(), req.Currency, req.Token)
	}
	sortQuotes(quotes)
	span.SetAttributes(attribute.String("fx.provider.best", quotes[0].Provider))
	return quotes, nil
}

// SelectAndPay picks a provider and creates the payment with it. A preferred
// provider is validated against its capability table only and never falls back.
// Selection does not touch order state.
func (c *Comparator) SelectAndPay(ctx context.Context, req PaymentRequest) (Selection, error) {
	if c == nil {
		return Selection{}, fmt.Errorf("providers: comparator not configured")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Token = strings.ToUpper(strings.TrimSpace(req.Token))

	if preferred := strings.TrimSpace(req.PreferredProvider); preferred != "" {
		p, ok := c.Provider(preferred)
		if !ok {
			return Selection{}, fmt.Errorf("%w: unknown provider %q", ErrProviderUnsupported, preferred)
		}
		if err := p.Capabilities().Supports(req.Amount, req.Currency, req.Token); err != nil {
			return Selection{}, fmt.Errorf("%w: %s: %v", ErrProviderUnsupported, p.Name(), err)
		}
		handle, err := c.createPayment(ctx, p, req)
		if err != nil {
			return Selection{}, err
		}
		c.metrics.RecordSelection(p.Name(), "preferred")
		return Selection{
			Provider:  p.Name(),
			Handle:    handle,
			Savings:   decimal.Zero,
			Reasoning: fmt.Sprintf("Customer requested %s", p.Name()),
		}, nil
	}

	quotes, err := c.Compare(ctx, req.Amount, req.Token, req.Currency)
	if err != nil {
		return Selection{}, err
	}
	best := quotes[0]
	p, _ := c.Provider(best.Provider)
	handle, err := c.createPayment(ctx, p, req)
	if err != nil {
		return Selection{}, err
	}
	c.metrics.RecordSelection(p.Name(), "compared")
	savings := decimal.Zero
	if len(quotes) > 1 {
		savings = quotes[1].TotalCost.Sub(best.TotalCost)
	}
	return Selection{
		Provider:   best.Provider,
		Handle:     handle,
		Quote:      &best,
		Comparison: quotes,
		Savings:    savings,
		Reasoning:  reasoning(best, quotes, req.Currency, req.Token),
	}, nil
}

// Health probes every enabled provider's fee model with a nominal request.
func (c *Comparator) Health(ctx context.Context, amount decimal.Decimal, currency, token string) map[string]string {
	if c == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(c.providers))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	req := FeeRequest{Amount: amount, Currency: strings.ToUpper(currency), Token: strings.ToUpper(token)}
	for _, p := range c.providers {
		caps := p.Capabilities()
		if !caps.Enabled {
			mu.Lock()
			out[p.Name()] = "disabled"
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(p Provider, caps Capabilities) {
			defer wg.Done()
			status := "ok"
			if _, err := c.quote(ctx, p, caps, req); err != nil {
				status = "error: " + err.Error()
			}
			mu.Lock()
			out[p.Name()] = status
			mu.Unlock()
		}(p, caps)
	}
	wg.Wait()
	return out
}

func (c *Comparator) quote(ctx context.Context, p Provider, caps Capabilities, req FeeRequest) (q Quote, err error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer func() { c.metrics.ObserveFeeModel(p.Name(), time.Since(start), err) }()

	model, err := p.FeeModel(callCtx, req)
	if err != nil {
		return Quote{}, err
	}
	if !model.Rate.IsPositive() {
		return Quote{}, fmt.Errorf("non-positive rate %s", model.Rate.String())
	}
	if model.Fees.IsNegative() {
		return Quote{}, fmt.Errorf("negative fees %s", model.Fees.String())
	}
	return Quote{
		Provider:        p.Name(),
		Rate:            model.Rate,
		Fees:            model.Fees,
		TotalCost:       req.Amount.Add(model.Fees),
		EstimatedOutput: req.Amount.Mul(model.Rate),
		Pros:            model.Pros,
		Cons:            model.Cons,
		Priority:        caps.Priority,
	}, nil
}

func (c *Comparator) createPayment(ctx context.Context, p Provider, req PaymentRequest) (PaymentHandle, error) {
	ctx, span := c.tracer.Start(ctx, "providers.CreatePayment", trace.WithAttributes(attribute.String("fx.provider", p.Name())))
	defer span.End()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	handle, err := p.CreatePayment(callCtx, req)
	c.metrics.RecordPayment(p.Name(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PaymentHandle{}, fmt.Errorf("providers: create %s payment: %w", p.Name(), err)
	}
	if strings.TrimSpace(handle.Reference) == "" {
		return PaymentHandle{}, fmt.Errorf("providers: %s returned no payment reference", p.Name())
	}
	handle.Provider = p.Name()
	return handle, nil
}

func sortQuotes(quotes []Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		if cmp := quotes[i].TotalCost.Cmp(quotes[j].TotalCost); cmp != 0 {
			return cmp < 0
		}
		return quotes[i].Priority < quotes[j].Priority
	})
}

func reasoning(best Quote, quotes []Quote, currency, token string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Selected %s based on:\n", best.Provider)
	fmt.Fprintf(&b, "- Total cost: %s %s\n", best.TotalCost.StringFixed(2), currency)
	fmt.Fprintf(&b, "- Estimated output: %s %s\n", best.EstimatedOutput.StringFixed(4), token)
	fmt.Fprintf(&b, "- Processing fees: %s %s\n", best.Fees.StringFixed(2), currency)
	if len(quotes) > 1 {
		runnerUp := quotes[1]
		savings := runnerUp.TotalCost.Sub(best.TotalCost)
		if savings.IsPositive() {
			pct := savings.Div(runnerUp.TotalCost).Mul(decimal.NewFromInt(100))
			fmt.Fprintf(&b, "- Savings: %s %s (%s%%) vs %s\n", savings.StringFixed(2), currency, pct.StringFixed(1), runnerUp.Provider)
		}
	}
	if len(best.Pros) > 0 {
		fmt.Fprintf(&b, "\nBenefits of %s:\n", best.Provider)
		for _, pro := range best.Pros {
			fmt.Fprintf(&b, "- %s\n", pro)
		}
	}
	return b.String()
}
