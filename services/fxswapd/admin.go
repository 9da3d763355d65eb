package fxswapd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"fxsettle/services/fxswapd/chain"
	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/providers"
	"fxsettle/services/fxswapd/rates"
	"fxsettle/services/fxswapd/recon"
	"fxsettle/services/fxswapd/settlement"
	"fxsettle/services/fxswapd/swap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// OrderService is the order lifecycle surface exposed over HTTP.
type OrderService interface {
	PaymentSink
	Quote(ctx context.Context, amount decimal.Decimal, currency, token string) (swap.SwapQuote, error)
	CreateOrder(ctx context.Context, req swap.CheckoutRequest) (*orders.SwapOrder, providers.Selection, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*orders.SwapOrder, error)
	ListUserOrders(ctx context.Context, userID string, limit int) ([]orders.SwapOrder, error)
	TriggerSettlement(ctx context.Context, id uuid.UUID) error
}

// OrderLedger is the read side of the order store used by operators.
type OrderLedger interface {
	Ping(ctx context.Context) error
	ListByStatus(ctx context.Context, statuses []orders.Status, limit int) ([]orders.SwapOrder, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]orders.OrderTransition, error)
	WalletOperations(ctx context.Context, orderID uuid.UUID) ([]orders.WalletOperation, error)
	GetWalletOperation(ctx context.Context, txHash string) (*orders.WalletOperation, error)
	StatusCounts(ctx context.Context) (map[orders.Status]int64, error)
	RateHistory(ctx context.Context, from, to string, limit int) ([]orders.RateSnapshot, error)
	CountPendingSettlements(ctx context.Context) (int64, error)
}

// SettlementControl pauses and reports on the settlement executor.
type SettlementControl interface {
	Pause()
	Resume()
	Status() settlement.Status
}

// ConfigManager serves and replaces the active swap configuration.
type ConfigManager interface {
	Current() orders.SwapConfig
	Activate(ctx context.Context, cfg orders.SwapConfig) error
}

// TreasuryView reports treasury balances and caps.
type TreasuryView interface {
	Snapshot(ctx context.Context) []settlement.AssetStatus
}

// ProviderHealth probes the fiat providers.
type ProviderHealth interface {
	Health(ctx context.Context, amount decimal.Decimal, currency, token string) map[string]string
}

// ReconRunner runs an on-demand reconciliation.
type ReconRunner interface {
	Run(ctx context.Context, opts recon.RunOptions) (*recon.Result, error)
}

// ServerConfig wires the HTTP surface. Treasury, Providers, Recon, Chain and
// Webhooks are optional.
type ServerConfig struct {
	Orders    OrderService
	Ledger    OrderLedger
	Executor  SettlementControl
	Config    ConfigManager
	Treasury  TreasuryView
	Providers ProviderHealth
	Recon     ReconRunner
	Chain     chain.StatusReader
	Auth      *Authenticator
	Webhooks  *WebhookHandler
	Outbox    interface{ Pending() int }
	Logger    *log.Logger
	Now       func() time.Time
}

// Server exposes the public checkout API, provider webhooks and operator controls.
type Server struct {
	cfg    ServerConfig
	logger *log.Logger
	now    func() time.Time
}

// NewServer validates the wiring and constructs the HTTP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orders == nil || cfg.Ledger == nil || cfg.Executor == nil || cfg.Config == nil {
		return nil, fmt.Errorf("server: orders, ledger, executor and config are required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: authenticator required")
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, now: cfg.Now}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.cfg.Webhooks != nil {
		r.Route("/webhooks", s.cfg.Webhooks.Routes)
	}

	r.Group(func(protected chi.Router) {
		protected.Use(s.cfg.Auth.Middleware)
		protected.Route("/v1", func(api chi.Router) {
			api.Get("/quote", s.handleQuote)
			api.Post("/orders", s.handleCreateOrder)
			api.Get("/orders/{id}", s.handleGetOrder)
			api.Get("/users/{userID}/orders", s.handleUserOrders)
		})
		protected.Route("/admin", func(admin chi.Router) {
			admin.Get("/orders", s.handleListOrders)
			admin.Get("/orders/{id}", s.handleOrderDetail)
			admin.Post("/orders/{id}/settle", s.handleSettle)
			admin.Get("/wallet-operations/{hash}", s.handleWalletOperation)
			admin.Get("/stats", s.handleStats)
			admin.Get("/rates/history", s.handleRateHistory)
			admin.Get("/providers/health", s.handleProviderHealth)
			admin.Get("/treasury", s.handleTreasury)
			admin.Post("/pause", s.handlePause)
			admin.Post("/resume", s.handleResume)
			admin.Get("/status", s.handleStatus)
			admin.Get("/config", s.handleGetConfig)
			admin.Put("/config", s.handlePutConfig)
			admin.Post("/recon/run", s.handleReconRun)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Ledger.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": s.cfg.Executor.Status().Paused})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
		return
	}
	quote, err := s.cfg.Orders.Quote(r.Context(), amount, q.Get("currency"), q.Get("token"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type createOrderResponse struct {
	Order     *orders.SwapOrder   `json:"order"`
	Selection providers.Selection `json:"selection"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req swap.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, selection, err := s.cfg.Orders.CreateOrder(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createOrderResponse{Order: order, Selection: selection})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := s.cfg.Orders.GetOrder(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user id required"))
		return
	}
	list, err := s.cfg.Orders.ListUserOrders(r.Context(), userID, listLimit(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

// handleListOrders serves ?status=pending (every non-terminal state),
// ?status=failed, or a single named status.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var statuses []orders.Status
	switch raw := strings.TrimSpace(r.URL.Query().Get("status")); strings.ToLower(raw) {
	case "", "pending":
		statuses = orders.NonTerminalStatuses()
	case "failed":
		statuses = []orders.Status{orders.StatusPaymentFailed, orders.StatusSettlementFailed, orders.StatusTransferFailed}
	default:
		status, err := orders.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		statuses = []orders.Status{status}
	}
	list, err := s.cfg.Ledger.ListByStatus(r.Context(), statuses, listLimit(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

type orderDetail struct {
	Order       *orders.SwapOrder        `json:"order"`
	Transitions []orders.OrderTransition `json:"transitions"`
	Operations  []orders.WalletOperation `json:"wallet_operations"`
}

func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	order, err := s.cfg.Orders.GetOrder(ctx, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	transitions, err := s.cfg.Ledger.Transitions(ctx, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	ops, err := s.cfg.Ledger.WalletOperations(ctx, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderDetail{Order: order, Transitions: transitions, Operations: ops})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Orders.TriggerSettlement(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Printf("fxswapd: settlement of %s requested by %s", id, OperatorFromContext(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "order_id": id.String()})
}

type walletOperationView struct {
	Operation *orders.WalletOperation `json:"operation"`
	OnChain   *receiptView            `json:"on_chain,omitempty"`
	Error     string                  `json:"on_chain_error,omitempty"`
}

type receiptView struct {
	Success       bool   `json:"success"`
	Pending       bool   `json:"pending"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Confirmations uint64 `json:"confirmations"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	GasFeeWei     string `json:"gas_fee_wei,omitempty"`
	RevertReason  string `json:"revert_reason,omitempty"`
}

func (s *Server) handleWalletOperation(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSpace(chi.URLParam(r, "hash"))
	op, err := s.cfg.Ledger.GetWalletOperation(r.Context(), hash)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	view := walletOperationView{Operation: op}
	if s.cfg.Chain != nil {
		receipt, err := s.cfg.Chain.TransferStatus(r.Context(), op.TxHash)
		if err != nil {
			view.Error = err.Error()
		} else {
			view.OnChain = &receiptView{
				Success:       receipt.Success,
				Pending:       receipt.Pending,
				BlockNumber:   receipt.BlockNumber,
				Confirmations: receipt.Confirmations,
				GasUsed:       receipt.GasUsed,
				RevertReason:  receipt.RevertReason,
			}
			if receipt.GasFeePaid != nil {
				view.OnChain.GasFeeWei = receipt.GasFeePaid.String()
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type statsView struct {
	Orders        map[orders.Status]int64 `json:"orders"`
	Settlement    settlement.Status       `json:"settlement"`
	OutboxPending int64                   `json:"outbox_pending"`
	QueueDepth    int                     `json:"queue_depth"`
	GeneratedAt   time.Time               `json:"generated_at"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Ledger.StatusCounts(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	pending, err := s.cfg.Ledger.CountPendingSettlements(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	view := statsView{
		Orders:        counts,
		Settlement:    s.cfg.Executor.Status(),
		OutboxPending: pending,
		GeneratedAt:   s.now().UTC(),
	}
	if s.cfg.Outbox != nil {
		view.QueueDepth = s.cfg.Outbox.Pending()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := strings.ToUpper(strings.TrimSpace(q.Get("from")))
	to := strings.ToUpper(strings.TrimSpace(q.Get("to")))
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, errors.New("from and to are required"))
		return
	}
	history, err := s.cfg.Ledger.RateHistory(r.Context(), from, to, listLimit(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": history})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Providers == nil {
		writeError(w, http.StatusNotFound, errors.New("no payment providers configured"))
		return
	}
	q := r.URL.Query()
	amount := decimal.NewFromInt(100)
	if raw := strings.TrimSpace(q.Get("amount")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
			return
		}
		amount = parsed
	}
	currency := firstNonEmpty(q.Get("currency"), "USD")
	token := firstNonEmpty(q.Get("token"), "USDT")
	writeJSON(w, http.StatusOK, s.cfg.Providers.Health(r.Context(), amount, currency, token))
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Treasury == nil {
		writeError(w, http.StatusNotFound, errors.New("treasury not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": s.cfg.Treasury.Snapshot(r.Context())})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.cfg.Executor.Pause()
	s.logger.Printf("fxswapd: settlements paused by %s", OperatorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.cfg.Executor.Resume()
	s.logger.Printf("fxswapd: settlements resumed by %s", OperatorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Executor.Status())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Config.Current())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg orders.SwapConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg.ID = 0
	cfg.CreatedAt = time.Time{}
	if err := s.cfg.Config.Activate(r.Context(), cfg); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Printf("fxswapd: swap config replaced by %s", OperatorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, s.cfg.Config.Current())
}

type reconRequest struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	DryRun bool      `json:"dry_run"`
}

func (s *Server) handleReconRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recon == nil {
		writeError(w, http.StatusNotFound, errors.New("reconciliation not configured"))
		return
	}
	var req reconRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.End.IsZero() {
		req.End = s.now().UTC()
	}
	if req.Start.IsZero() {
		req.Start = req.End.Add(-24 * time.Hour)
	}
	result, err := s.cfg.Recon.Run(r.Context(), recon.RunOptions{Start: req.Start, End: req.End, DryRun: req.DryRun})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var validation *swap.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": validation.Error(), "field": validation.Field})
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, settlement.ErrNotSettleable), errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrDuplicatePayment):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, providers.ErrProviderUnsupported):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, rates.ErrRateUnavailable), errors.Is(err, providers.ErrNoProviderAvailable),
		errors.Is(err, settlement.ErrPaused):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Printf("fxswapd: request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid order id"))
		return uuid.Nil, false
	}
	return id, true
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
