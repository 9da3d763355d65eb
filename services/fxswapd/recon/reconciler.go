// Package recon reconciles settled orders against the treasury's wallet
// operations and on-chain state, writing CSV and Parquet reports per asset.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"fxsettle/observability"
	"fxsettle/services/fxswapd/chain"
	"fxsettle/services/fxswapd/orders"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyMissingTransfer    = "missing_transfer"
	AnomalyAmountMismatch     = "amount_mismatch"
	AnomalyUnrecordedTransfer = "unrecorded_transfer"
	AnomalyPaidFailedOrder    = "paid_failed_order"
	AnomalyStuckOrder         = "stuck_order"
)

// Store is the persistence the reconciler reads and writes.
type Store interface {
	ListBetween(ctx context.Context, start, end time.Time) ([]orders.SwapOrder, error)
	WalletOperations(ctx context.Context, orderID uuid.UUID) ([]orders.WalletOperation, error)
	RecordReconciliation(ctx context.Context, rec *orders.BalanceReconciliation) error
}

// BalanceReader reports the treasury balance of an asset in whole units.
type BalanceReader interface {
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store    Store
	Balances BalanceReader
	// Status, when set, is asked about failed operations that may have been mined after all.
	Status     chain.StatusReader
	OutputDir  string
	DryRun     bool
	StuckAfter time.Duration
	Now        func() time.Time
	Alert      AlertFunc
	Logger     *log.Logger
	Metrics    *observability.SettlementMetrics
}

// RunOptions selects the reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	OrderID uuid.UUID
	Asset   string
	TxHash  string
	Details string
}

// ReportRow is the reconciliation status of a single order.
type ReportRow struct {
	OrderID          uuid.UUID
	Provider         string
	PaymentReference string
	FiatCurrency     string
	FiatAmount       decimal.Decimal
	Asset            string
	ExpectedAmount   decimal.Decimal
	ConfirmedAmount  decimal.Decimal
	Status           string
	ErrorCode        string
	TxHash           string
	OperationStatus  string
	GasFeePaid       decimal.Decimal
	CreatedAt        time.Time
	CompletedAt      *time.Time
	SettleLatency    time.Duration
	MissingTransfer  bool
	AmountMismatch   bool
	PaidButFailed    bool
	Stuck            bool
}

// AssetSummary is the per-asset outflow comparison for the window.
type AssetSummary struct {
	Asset            string
	Orders           int
	ExpectedOutflow  decimal.Decimal
	ConfirmedOutflow decimal.Decimal
	OnChainBalance   decimal.Decimal
	Discrepancy      decimal.Decimal
	Anomalies        int
	CSVPath          string
	ParquetPath      string
}

// Result summarises a reconciliation run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Assets    []AssetSummary
	Anomalies []Anomaly
}

// Reconciler compares what orders promised with what the treasury paid.
type Reconciler struct {
	store      Store
	balances   BalanceReader
	status     chain.StatusReader
	outputDir  string
	dryRun     bool
	stuckAfter time.Duration
	now        func() time.Time
	alert      AlertFunc
	logger     *log.Logger
	metrics    *observability.SettlementMetrics
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("fxswapd-data", "recon")
	}
	r := &Reconciler{
		store:      cfg.Store,
		balances:   cfg.Balances,
		status:     cfg.Status,
		outputDir:  outputDir,
		dryRun:     cfg.DryRun,
		stuckAfter: cfg.StuckAfter,
		now:        cfg.Now,
		alert:      cfg.Alert,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if r.stuckAfter <= 0 {
		r.stuckAfter = time.Hour
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.metrics == nil {
		r.metrics = observability.Settlement()
	}
	return r, nil
}

// Run reconciles orders created in [Start, End).
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start, end := opts.Start.UTC(), opts.End.UTC()
	if !end.After(start) {
		return nil, fmt.Errorf("recon: end must be after start")
	}
	dryRun := r.dryRun || opts.DryRun

	list, err := r.store.ListBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load orders: %w", err)
	}

	now := r.now().UTC()
	result := &Result{Start: start, End: end}
	summaries := map[string]*AssetSummary{}
	byAsset := map[string][]*ReportRow{}

	for i := range list {
		order := &list[i]
		ops, err := r.store.WalletOperations(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("recon: load wallet operations for %s: %w", order.ID, err)
		}
		row, anomalies := r.reconcileOrder(ctx, order, ops, now)
		result.Rows = append(result.Rows, row)

		asset := row.Asset
		sum, ok := summaries[asset]
		if !ok {
			sum = &AssetSummary{Asset: asset}
			summaries[asset] = sum
		}
		sum.Orders++
		if order.Status == orders.StatusCompleted {
			sum.ExpectedOutflow = sum.ExpectedOutflow.Add(row.ExpectedAmount)
		}
		sum.ConfirmedOutflow = sum.ConfirmedOutflow.Add(row.ConfirmedAmount)
		sum.Anomalies += len(anomalies)
		byAsset[asset] = append(byAsset[asset], row)

		for _, anomaly := range anomalies {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, anomaly))
		}
	}

	assets := make([]string, 0, len(summaries))
	for asset := range summaries {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102T1504"), end.Format("20060102T1504")))
	if !dryRun && len(assets) > 0 {
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
	}
	for _, asset := range assets {
		sum := summaries[asset]
		sum.Discrepancy = sum.ExpectedOutflow.Sub(sum.ConfirmedOutflow)
		if r.balances != nil {
			balance, err := r.balances.Balance(ctx, asset)
			if err != nil {
				r.logger.Printf("recon: balance of %s unavailable: %v", asset, err)
			} else {
				sum.OnChainBalance = balance
			}
		}
		if !dryRun {
			base := filepath.Join(runDir, strings.ToLower(asset))
			sum.CSVPath, sum.ParquetPath = base+".csv", base+".parquet"
			if err := writeCSV(sum.CSVPath, byAsset[asset]); err != nil {
				return nil, err
			}
			if err := writeParquet(sum.ParquetPath, byAsset[asset]); err != nil {
				return nil, err
			}
			r.logger.Printf("recon: wrote %s and %s (%d rows)", sum.CSVPath, sum.ParquetPath, len(byAsset[asset]))
			if err := r.store.RecordReconciliation(ctx, &orders.BalanceReconciliation{
				Asset:            asset,
				WindowStart:      start,
				WindowEnd:        end,
				ExpectedOutflow:  sum.ExpectedOutflow,
				ConfirmedOutflow: sum.ConfirmedOutflow,
				OnChainBalance:   sum.OnChainBalance,
				Discrepancy:      sum.Discrepancy,
				Anomalies:        sum.Anomalies,
				ReportPath:       sum.CSVPath,
			}); err != nil {
				return nil, fmt.Errorf("recon: persist %s: %w", asset, err)
			}
		}
		result.Assets = append(result.Assets, *sum)
	}
	return result, nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, order *orders.SwapOrder, ops []orders.WalletOperation, now time.Time) (*ReportRow, []Anomaly) {
	row := &ReportRow{
		OrderID:          order.ID,
		Provider:         order.PaymentProvider,
		PaymentReference: order.PaymentReference,
		FiatCurrency:     order.FiatCurrency,
		FiatAmount:       order.FiatAmount,
		Asset:            strings.ToUpper(order.TargetToken),
		ExpectedAmount:   order.TargetTokenAmount,
		Status:           string(order.Status),
		ErrorCode:        order.ErrorCode,
		TxHash:           order.TransferTxHash,
		CreatedAt:        order.CreatedAt.UTC(),
		CompletedAt:      order.CompletedAt,
	}
	if row.TxHash == "" {
		row.TxHash = order.SettlementTxHash
	}
	if order.CompletedAt != nil && order.CompletedAt.After(order.CreatedAt) {
		row.SettleLatency = order.CompletedAt.Sub(order.CreatedAt)
	}

	var anomalies []Anomaly
	report := func(kind, txHash, format string, args ...any) {
		anomalies = append(anomalies, Anomaly{Type: kind, OrderID: order.ID, Asset: row.Asset, TxHash: txHash, Details: fmt.Sprintf(format, args...)})
	}

	var confirmed *orders.WalletOperation
	for i := range ops {
		op := &ops[i]
		if row.OperationStatus == "" || op.Status == orders.WalletOpConfirmed {
			row.OperationStatus = op.Status
		}
		switch op.Status {
		case orders.WalletOpConfirmed:
			if confirmed == nil {
				confirmed = op
			}
			row.ConfirmedAmount = row.ConfirmedAmount.Add(op.Amount)
			row.GasFeePaid = row.GasFeePaid.Add(op.GasFeePaid)
		case orders.WalletOpFailed:
			if r.minedAnyway(ctx, op.TxHash) {
				row.ConfirmedAmount = row.ConfirmedAmount.Add(op.Amount)
				report(AnomalyUnrecordedTransfer, op.TxHash, "operation marked failed but transaction %s was mined", op.TxHash)
			}
		}
	}
	if confirmed != nil {
		row.TxHash = confirmed.TxHash
	}

	switch {
	case order.Status == orders.StatusCompleted && confirmed == nil:
		row.MissingTransfer = true
		report(AnomalyMissingTransfer, row.TxHash, "order completed without a confirmed wallet operation")
	case order.Status == orders.StatusCompleted && !confirmed.Amount.Equal(order.TargetTokenAmount):
		row.AmountMismatch = true
		report(AnomalyAmountMismatch, confirmed.TxHash, "order pays %s %s but transfer carried %s",
			order.TargetTokenAmount.String(), row.Asset, confirmed.Amount.String())
	case order.Status.Failed() && confirmed != nil:
		row.PaidButFailed = true
		report(AnomalyPaidFailedOrder, confirmed.TxHash, "order %s but transfer %s confirmed", order.Status, confirmed.TxHash)
	}
	if !order.Terminal() && order.Status != orders.StatusPending && now.Sub(order.UpdatedAt) > r.stuckAfter {
		row.Stuck = true
		report(AnomalyStuckOrder, row.TxHash, "order in %s since %s", order.Status, order.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return row, anomalies
}

// minedAnyway asks the chain whether a transaction recorded as failed succeeded.
func (r *Reconciler) minedAnyway(ctx context.Context, txHash string) bool {
	if r.status == nil || txHash == "" {
		return false
	}
	receipt, err := r.status.TransferStatus(ctx, txHash)
	if err != nil {
		r.logger.Printf("recon: status of %s: %v", txHash, err)
		return false
	}
	return receipt.Success && !receipt.Pending
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.metrics.RecordReconAnomaly(anomaly.Type)
	r.logger.Printf("recon: %s on order %s: %s", anomaly.Type, anomaly.OrderID, anomaly.Details)
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Printf("recon: alert delivery failed: %v", err)
		}
	}
	return anomaly
}

var csvHeader = []string{
	"order_id", "provider", "payment_reference", "fiat_currency", "fiat_amount", "asset", "expected_amount",
	"confirmed_amount", "status", "error_code", "tx_hash", "operation_status", "gas_fee_paid", "created_at",
	"completed_at", "settle_latency_seconds", "missing_transfer", "amount_mismatch", "paid_but_failed", "stuck",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.OrderID.String(),
			row.Provider,
			row.PaymentReference,
			row.FiatCurrency,
			row.FiatAmount.String(),
			row.Asset,
			row.ExpectedAmount.String(),
			row.ConfirmedAmount.String(),
			row.Status,
			row.ErrorCode,
			row.TxHash,
			row.OperationStatus,
			row.GasFeePaid.String(),
			row.CreatedAt.Format(time.RFC3339),
			formatTime(row.CompletedAt),
			strconv.FormatFloat(row.SettleLatency.Seconds(), 'f', 0, 64),
			strconv.FormatBool(row.MissingTransfer),
			strconv.FormatBool(row.AmountMismatch),
			strconv.FormatBool(row.PaidButFailed),
			strconv.FormatBool(row.Stuck),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	OrderID          string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Provider         string  `parquet:"name=provider, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaymentReference string  `parquet:"name=payment_reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatCurrency     string  `parquet:"name=fiat_currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatAmount       string  `parquet:"name=fiat_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset            string  `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpectedAmount   string  `parquet:"name=expected_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConfirmedAmount  string  `parquet:"name=confirmed_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorCode        string  `parquet:"name=error_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash           string  `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	OperationStatus  string  `parquet:"name=operation_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	GasFeePaid       string  `parquet:"name=gas_fee_paid, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt        string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt      string  `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettleLatency    float64 `parquet:"name=settle_latency_seconds, type=DOUBLE"`
	MissingTransfer  bool    `parquet:"name=missing_transfer, type=BOOLEAN"`
	AmountMismatch   bool    `parquet:"name=amount_mismatch, type=BOOLEAN"`
	PaidButFailed    bool    `parquet:"name=paid_but_failed, type=BOOLEAN"`
	Stuck            bool    `parquet:"name=stuck, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(&parquetRow{
			OrderID:          row.OrderID.String(),
			Provider:         row.Provider,
			PaymentReference: row.PaymentReference,
			FiatCurrency:     row.FiatCurrency,
			FiatAmount:       row.FiatAmount.String(),
			Asset:            row.Asset,
			ExpectedAmount:   row.ExpectedAmount.String(),
			ConfirmedAmount:  row.ConfirmedAmount.String(),
			Status:           row.Status,
			ErrorCode:        row.ErrorCode,
			TxHash:           row.TxHash,
			OperationStatus:  row.OperationStatus,
			GasFeePaid:       row.GasFeePaid.String(),
			CreatedAt:        row.CreatedAt.Format(time.RFC3339),
			CompletedAt:      formatTime(row.CompletedAt),
			SettleLatency:    row.SettleLatency.Seconds(),
			MissingTransfer:  row.MissingTransfer,
			AmountMismatch:   row.AmountMismatch,
			PaidButFailed:    row.PaidButFailed,
			Stuck:            row.Stuck,
		}); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
