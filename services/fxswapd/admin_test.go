package fxswapd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fxsettle/services/fxswapd/chain"
	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/providers"
	"fxsettle/services/fxswapd/recon"
	"fxsettle/services/fxswapd/settlement"
	"fxsettle/services/fxswapd/swap"
)

type stubOrders struct {
	recordingSink
	store     *orders.Store
	quoteErr  error
	settled   []uuid.UUID
	settleErr error
}

func (s *stubOrders) Quote(_ context.Context, amount decimal.Decimal, currency, token string) (swap.SwapQuote, error) {
	if s.quoteErr != nil {
		return swap.SwapQuote{}, s.quoteErr
	}
	return swap.SwapQuote{FiatAmount: amount, Currency: currency, TargetToken: token, FxRate: decimal.RequireFromString("1.27")}, nil
}

func (s *stubOrders) CreateOrder(context.Context, swap.CheckoutRequest) (*orders.SwapOrder, providers.Selection, error) {
	return nil, providers.Selection{}, providers.ErrNoProviderAvailable
}

func (s *stubOrders) GetOrder(ctx context.Context, id uuid.UUID) (*orders.SwapOrder, error) {
	return s.store.Get(ctx, id)
}

func (s *stubOrders) ListUserOrders(ctx context.Context, userID string, limit int) ([]orders.SwapOrder, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *stubOrders) TriggerSettlement(_ context.Context, id uuid.UUID) error {
	if s.settleErr != nil {
		return s.settleErr
	}
	s.settled = append(s.settled, id)
	return nil
}

type stubExecutor struct {
	paused bool
}

func (e *stubExecutor) Pause()  { e.paused = true }
func (e *stubExecutor) Resume() { e.paused = false }
func (e *stubExecutor) Status() settlement.Status {
	return settlement.Status{Paused: e.paused, Completed: 3}
}

type stubRecon struct {
	opts recon.RunOptions
}

func (r *stubRecon) Run(_ context.Context, opts recon.RunOptions) (*recon.Result, error) {
	r.opts = opts
	if !opts.End.After(opts.Start) {
		return nil, fmt.Errorf("empty window")
	}
	return &recon.Result{Start: opts.Start, End: opts.End}, nil
}

type adminFixture struct {
	store    *orders.Store
	orders   *stubOrders
	executor *stubExecutor
	recon    *stubRecon
	holder   *swap.ConfigHolder
	handler  http.Handler
}

var adminNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	db, err := orders.Open(orders.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	store, err := orders.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	holder, err := swap.NewConfigHolder(store, swap.DefaultConfig())
	require.NoError(t, err)
	auth, err := NewAuthenticator(AuthConfig{BearerToken: "ops-token"})
	require.NoError(t, err)

	f := &adminFixture{
		store:    store,
		orders:   &stubOrders{store: store},
		executor: &stubExecutor{},
		recon:    &stubRecon{},
		holder:   holder,
	}
	status := chain.FuncClient{StatusFunc: func(_ context.Context, hash string) (chain.Receipt, error) {
		return chain.Receipt{TxHash: hash, Success: true, BlockNumber: 42, Confirmations: 5, GasFeePaid: big.NewInt(21000)}, nil
	}}
	srv, err := NewServer(ServerConfig{
		Orders:   f.orders,
		Ledger:   store,
		Executor: f.executor,
		Config:   holder,
		Recon:    f.recon,
		Chain:    status,
		Auth:     auth,
		Logger:   log.New(io.Discard, "", 0),
		Now:      func() time.Time { return adminNow },
	})
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer ops-token")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *adminFixture) seedOrder(t *testing.T, status orders.Status) *orders.SwapOrder {
	t.Helper()
	order := &orders.SwapOrder{
		PaymentProvider:   "stripe",
		PaymentReference:  "pi_" + uuid.NewString(),
		UserID:            "u-1",
		FiatCurrency:      "GBP",
		FiatAmount:        decimal.NewFromInt(10),
		TargetToken:       "USDT",
		TargetTokenAmount: decimal.RequireFromString("12.446"),
		Status:            status,
	}
	require.NoError(t, f.store.Create(context.Background(), order))
	return order
}

func TestServerHealthAndAuth(t *testing.T) {
	f := newAdminFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerPauseResume(t *testing.T) {
	f := newAdminFixture(t)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/admin/pause", "").Code)
	require.True(t, f.executor.paused)

	rec := f.do(t, http.MethodGet, "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status settlement.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.Paused)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/admin/resume", "").Code)
	require.False(t, f.executor.paused)
}

func TestServerListsOrdersByStatus(t *testing.T) {
	f := newAdminFixture(t)
	pending := f.seedOrder(t, orders.StatusRateLocked)
	failed := f.seedOrder(t, orders.StatusTransferFailed)
	f.seedOrder(t, orders.StatusCompleted)

	var body struct {
		Orders []orders.SwapOrder `json:"orders"`
	}
	rec := f.do(t, http.MethodGet, "/admin/orders?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Orders, 1)
	require.Equal(t, pending.ID, body.Orders[0].ID)

	rec = f.do(t, http.MethodGet, "/admin/orders?status=failed", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Orders, 1)
	require.Equal(t, failed.ID, body.Orders[0].ID)

	rec = f.do(t, http.MethodGet, "/admin/orders?status=COMPLETED&limit=5", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Orders, 1)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/orders?status=bogus", "").Code)

	rec = f.do(t, http.MethodGet, "/v1/users/u-1/orders", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Orders, 3)
}

func TestServerOrderDetailAndSettle(t *testing.T) {
	f := newAdminFixture(t)
	order := f.seedOrder(t, orders.StatusRateLocked)
	require.NoError(t, f.store.RecordWalletOperation(context.Background(), &orders.WalletOperation{
		OrderID: order.ID,
		TxHash:  "0xabc",
		Status:  orders.WalletOpSubmitted,
		Asset:   "USDT",
		Amount:  order.TargetTokenAmount,
	}))

	rec := f.do(t, http.MethodGet, "/admin/orders/"+order.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail orderDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, order.ID, detail.Order.ID)
	require.Len(t, detail.Operations, 1)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/orders/"+uuid.NewString(), "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/orders/not-a-uuid", "").Code)

	rec = f.do(t, http.MethodPost, "/admin/orders/"+order.ID.String()+"/settle", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []uuid.UUID{order.ID}, f.orders.settled)

	f.orders.settleErr = fmt.Errorf("wrap: %w", settlement.ErrNotSettleable)
	rec = f.do(t, http.MethodPost, "/admin/orders/"+order.ID.String()+"/settle", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/wallet-operations/0xabc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view walletOperationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, order.ID, view.Operation.OrderID)
	require.NotNil(t, view.OnChain)
	require.Equal(t, uint64(42), view.OnChain.BlockNumber)
	require.Equal(t, "21000", view.OnChain.GasFeeWei)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/wallet-operations/0xmissing", "").Code)
}

func TestServerStats(t *testing.T) {
	f := newAdminFixture(t)
	order := f.seedOrder(t, orders.StatusPaymentConfirmed)
	f.seedOrder(t, orders.StatusCompleted)
	require.NoError(t, f.store.EnqueueSettlement(context.Background(), order.ID))

	rec := f.do(t, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.Orders[orders.StatusCompleted])
	require.Equal(t, int64(1), stats.Orders[orders.StatusPaymentConfirmed])
	require.Equal(t, int64(1), stats.OutboxPending)
	require.Equal(t, 3, stats.Settlement.Completed)
	require.True(t, stats.GeneratedAt.Equal(adminNow))
}

func TestServerConfigUpdate(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPut, "/admin/config", `{"min_amount":"50","max_amount":"10","daily_user_limit":"100","platform_fee_percent":"1","min_platform_fee":"0","max_platform_fee":"0"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "min_amount")

	rec = f.do(t, http.MethodPut, "/admin/config", `{"min_amount":"10","max_amount":"2000","daily_user_limit":"3000","platform_fee_percent":"1.5","min_platform_fee":"1","max_platform_fee":"25","maintenance_mode":true,"maintenance_message":"upgrade"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	current := f.holder.Current()
	require.True(t, current.MaxAmount.Equal(decimal.NewFromInt(2000)))
	require.True(t, current.MaintenanceMode)

	rec = f.do(t, http.MethodGet, "/admin/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"maintenance_message":"upgrade"`)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/admin/config", `{"unknown":1}`).Code)
}

func TestServerQuoteErrors(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/quote?amount=10&currency=GBP&token=USDT", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"fx_rate":"1.27"`)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/quote?amount=ten", "").Code)

	f.orders.quoteErr = &swap.ValidationError{Field: "fiat_amount", Reason: "must be positive"}
	rec = f.do(t, http.MethodGet, "/v1/quote?amount=-1&currency=GBP&token=USDT", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), `"field":"fiat_amount"`)

	rec = f.do(t, http.MethodPost, "/v1/orders", `{"user_id":"u","client_order_id":"c","fiat_amount":"10","currency":"GBP","target_token":"USDT","destination_wallet":"0x0"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerReconRunDefaultsWindow(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/recon/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, f.recon.opts.End.Equal(adminNow))
	require.True(t, f.recon.opts.Start.Equal(adminNow.Add(-24*time.Hour)))

	rec = f.do(t, http.MethodPost, "/admin/recon/run", `{"start":"2026-03-01T00:00:00Z","end":"2026-03-01T00:00:00Z","dry_run":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.True(t, f.recon.opts.DryRun)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/treasury", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/providers/health", "").Code)
}
