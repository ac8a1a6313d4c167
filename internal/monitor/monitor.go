package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GianGuaz256/vending-server/internal/btcpay"
	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/payment"
	"github.com/GianGuaz256/vending-server/internal/reconcile"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	monitorScheduledCounter = metrics.GetOrCreateCounter(`payment_monitor_total{result="scheduled"}`)
	monitorPaidCounter      = metrics.GetOrCreateCounter(`payment_monitor_total{result="paid"}`)
	monitorTimedOutCounter  = metrics.GetOrCreateCounter(`payment_monitor_total{result="timed_out"}`)
	monitorPollErrorCounter = metrics.GetOrCreateCounter(`payment_monitor_poll_total{result="error"}`)
)

// Monitor polls the provider for pending payments until they settle or their
// monitor window closes, at which point it synthesizes a timeout verdict. It
// is the guarantee that every payment reaches a terminal status even if no
// webhook ever arrives.
type Monitor struct {
	payments     *db.PaymentRepository
	provider     *btcpay.Client
	reconciler   *reconcile.Reconciler
	pollInterval time.Duration
	windowSecs   int
	sem          chan struct{}
	logger       *slog.Logger

	ctx context.Context
}

func NewMonitor(payments *db.PaymentRepository, provider *btcpay.Client, reconciler *reconcile.Reconciler, cfg config.Payment, logger *slog.Logger) *Monitor {
	parallelism := cfg.MonitorParallelism
	if parallelism <= 0 {
		parallelism = 100
	}

	return &Monitor{
		payments:     payments,
		provider:     provider,
		reconciler:   reconciler,
		pollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		windowSecs:   cfg.MonitorWindowSeconds,
		sem:          make(chan struct{}, parallelism),
		logger:       logger,
	}
}

// Start binds the monitor to its lifecycle context. Must be called before
// Schedule.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx = ctx
}

// Schedule begins watching a payment in a bounded goroutine. Blocks when the
// watcher pool is exhausted.
func (m *Monitor) Schedule(paymentID uuid.UUID) {
	m.sem <- struct{}{}
	monitorScheduledCounter.Inc()

	go func() {
		defer func() { <-m.sem }()
		m.watch(m.ctx, paymentID)
	}()
}

// ResumePending re-arms watchers for payments that were pending when the
// process last stopped. Overdue payments time out on their first check.
func (m *Monitor) ResumePending(ctx context.Context) error {
	pending, err := m.payments.ListPending(ctx)
	if err != nil {
		return err
	}

	for _, p := range pending {
		m.Schedule(p.ID)
	}

	if len(pending) > 0 {
		m.logger.InfoContext(ctx, "Resumed monitoring of pending payments", "count", len(pending))
	}
	return nil
}

func (m *Monitor) watch(ctx context.Context, paymentID uuid.UUID) {
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentId", paymentID.String()))

	p, err := m.payments.GetByID(ctx, paymentID)
	if err != nil {
		m.logger.ErrorContext(ctx, "Error loading payment to monitor", "error", err)
		return
	}
	if p.FinalizedAt != nil || payment.Terminal(p.Status) {
		return
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(p.MonitorUntil) {
		if m.poll(ctx, paymentID) {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "Context done, stopping monitor")
			return
		}
	}

	m.timeout(ctx, paymentID)
}

// poll checks provider state once. Returns true when watching should stop.
func (m *Monitor) poll(ctx context.Context, paymentID uuid.UUID) bool {
	p, err := m.payments.GetByID(ctx, paymentID)
	if err != nil {
		m.logger.ErrorContext(ctx, "Error refreshing payment", "error", err)
		monitorPollErrorCounter.Inc()
		return false
	}
	if p.FinalizedAt != nil || payment.Terminal(p.Status) {
		return true
	}

	inv, err := m.payments.GetInvoiceByPaymentID(ctx, paymentID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			m.logger.ErrorContext(ctx, "Error loading provider invoice", "error", err)
		}
		monitorPollErrorCounter.Inc()
		return false
	}

	provInvoice, err := m.provider.GetInvoice(ctx, inv.ProviderInvoiceID)
	if err != nil {
		// transient provider trouble is expected; the next tick retries
		m.logger.WarnContext(ctx, "Provider poll failed", "error", err)
		monitorPollErrorCounter.Inc()
		return false
	}

	if provInvoice.Settled() {
		outcome, err := m.reconciler.Reconcile(ctx, paymentID, reconcile.Verdict{
			Status:   payment.StatusPaid,
			Source:   payment.SourceMonitor,
			Evidence: provInvoice.Raw,
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "Error finalizing settled payment", "error", err)
			return false
		}
		if outcome.Applied {
			monitorPaidCounter.Inc()
		}
		return true
	}

	if err := m.payments.UpdateInvoiceLastStatus(ctx, paymentID, provInvoice.Raw); err != nil {
		m.logger.ErrorContext(ctx, "Error refreshing invoice status snapshot", "error", err)
	}
	return false
}

func (m *Monitor) timeout(ctx context.Context, paymentID uuid.UUID) {
	reason := fmt.Sprintf("NOT_PAID_WITHIN_%dS", m.windowSecs)

	outcome, err := m.reconciler.Reconcile(ctx, paymentID, reconcile.Verdict{
		Status: payment.StatusTimedOut,
		Reason: reason,
		Source: payment.SourceMonitor,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Error timing out payment", "error", err)
		return
	}

	if outcome.Applied {
		m.logger.InfoContext(ctx, "Payment timed out")
		monitorTimedOutCounter.Inc()
	}
}
