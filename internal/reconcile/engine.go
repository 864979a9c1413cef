// Package reconcile converges local order, fill and position state with the
// broker's view. A pass runs four stages in order: fill backfill, order
// sync, orphan detection and position sync. The engine doubles as the
// Reconciliation Gate: it reports ready once a pass has completed cleanly.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/execgateway/internal/broker"
	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/metrics"
	"github.com/efreitasn/execgateway/internal/store"
)

// maxCASAttempts bounds the re-evaluations of one order or position after
// a version conflict.
const maxCASAttempts = 3

// FillApplier writes fills through the fill processor so reconciliation
// shares its ledger rules.
type FillApplier interface {
	ApplyFill(ctx context.Context, clientOrderID string, f domain.Fill, priority domain.SourcePriority, source string) (bool, error)
}

// Config tunes the engine.
type Config struct {
	Interval               time.Duration
	Timeout                time.Duration
	Concurrency            int
	FillLookback           time.Duration
	OscillationThreshold   int
	PositionSyncGatesReady bool
}

// StageResult is the outcome of one stage of a pass.
type StageResult struct {
	Stage domain.ReconciliationStage `json:"stage"`
	Error string                     `json:"error,omitempty"`
}

// PassSummary describes a finished pass.
type PassSummary struct {
	PassID      string                    `json:"pass_id"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
	Stages      []StageResult             `json:"stages"`
	Resolutions map[domain.Resolution]int `json:"resolutions"`
	Clean       bool                      `json:"clean"`
}

// Status is a snapshot of the engine.
type Status struct {
	Ready         bool         `json:"ready"`
	Running       bool         `json:"running"`
	LastPass      *PassSummary `json:"last_pass,omitempty"`
	LastCleanPass *time.Time   `json:"last_clean_pass_at,omitempty"`
}

// Engine is the Reconciliation Engine.
type Engine struct {
	cfg    Config
	store  store.Store
	broker broker.Adapter
	fills  FillApplier
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool
	ready   atomic.Bool

	mu        sync.Mutex
	last      *PassSummary
	lastClean *time.Time
}

// NewEngine creates a new Engine.
func NewEngine(cfg Config, st store.Store, adapter broker.Adapter, fills FillApplier, logger *slog.Logger) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.OscillationThreshold < 1 {
		cfg.OscillationThreshold = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Engine{
		cfg:    cfg,
		store:  st,
		broker: adapter,
		fills:  fills,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ready implements gate.Readiness. It stays true once a clean pass has
// completed.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Ready:         e.ready.Load(),
		Running:       e.running.Load(),
		LastPass:      e.last,
		LastCleanPass: e.lastClean,
	}
}

// Start launches a background goroutine that runs a pass immediately and
// then every Interval. It stops when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		e.tick(ctx)
		if e.cfg.Interval <= 0 {
			return
		}

		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

func (e *Engine) tick(ctx context.Context) {
	_, err := e.RunNow(ctx)
	if errors.Is(err, domain.ErrReconciliationRunning) {
		e.logger.Debug("reconciliation pass already running")
	}
}

// RunNow runs one pass and waits for it. Only one pass runs at a time; a
// concurrent call returns domain.ErrReconciliationRunning. Stage failures
// are reported in the summary, not as an error.
func (e *Engine) RunNow(ctx context.Context) (*PassSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, domain.ErrReconciliationRunning
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	p := e.newPass()
	e.logger.Info("reconciliation pass started", slog.String("pass_id", p.id))

	stages := []struct {
		stage domain.ReconciliationStage
		run   func(context.Context) error
		gates bool
	}{
		{domain.StageFillBackfill, p.backfill, true},
		{domain.StageOrderSync, p.syncOrders, true},
		{domain.StageOrphans, p.detectOrphans, true},
		{domain.StagePositionSync, p.syncPositions, e.cfg.PositionSyncGatesReady},
	}

	summary := &PassSummary{PassID: p.id, StartedAt: p.startedAt, Clean: true}
	for _, s := range stages {
		res := StageResult{Stage: s.stage}
		if err := s.run(ctx); err != nil {
			res.Error = err.Error()
			if s.gates {
				summary.Clean = false
			}
			e.logger.Error("reconciliation stage failed",
				slog.String("pass_id", p.id),
				slog.String("stage", string(s.stage)),
				slog.String("error", err.Error()),
			)
		}
		summary.Stages = append(summary.Stages, res)
	}
	summary.FinishedAt = e.now()
	summary.Resolutions = p.counts()

	e.finish(summary)
	return summary, nil
}

func (e *Engine) finish(summary *PassSummary) {
	e.mu.Lock()
	e.last = summary
	if summary.Clean {
		at := summary.FinishedAt
		e.lastClean = &at
	}
	e.mu.Unlock()

	result := "error"
	if summary.Clean {
		result = "ok"
		if !e.ready.Swap(true) {
			e.logger.Info("reconciliation gate ready", slog.String("pass_id", summary.PassID))
		}
		metrics.SetReconReady(true)
	}
	metrics.IncReconPass(result)

	e.logger.Info("reconciliation pass finished",
		slog.String("pass_id", summary.PassID),
		slog.Bool("clean", summary.Clean),
		slog.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	)
}

// Records lists the reconciliation log.
func (e *Engine) Records(ctx context.Context, f store.RecordFilter) ([]*domain.ReconciliationRecord, error) {
	return e.store.ListRecords(ctx, f)
}

// Orphans lists detected orphans.
func (e *Engine) Orphans(ctx context.Context, includeAcknowledged bool) ([]*domain.Orphan, error) {
	return e.store.ListOrphans(ctx, includeAcknowledged)
}

// AcknowledgeOrphan marks an orphan as reviewed.
func (e *Engine) AcknowledgeOrphan(ctx context.Context, orphanID string) (*domain.Orphan, error) {
	o, err := e.store.AcknowledgeOrphan(ctx, orphanID, e.now())
	if err != nil {
		return nil, err
	}
	e.refreshOrphanGauge(ctx)
	e.logger.Info("orphan acknowledged",
		slog.String("orphan_id", orphanID),
		slog.String("client_order_id", o.ClientOrderID),
		slog.String("broker_order_id", o.BrokerOrderID),
	)
	return o, nil
}

func (e *Engine) refreshOrphanGauge(ctx context.Context) {
	open, err := e.store.ListOrphans(ctx, false)
	if err != nil {
		e.logger.Warn("count open orphans", slog.String("error", err.Error()))
		return
	}
	metrics.SetOpenOrphans(len(open))
}

// OverrideStatus is an operator write: it sets the order's status at
// operator priority, which no other writer can overturn.
func (e *Engine) OverrideStatus(ctx context.Context, clientOrderID string, status domain.OrderStatus, reason string) (*domain.Order, error) {
	if !domain.ValidOrderStatuses[status] {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("unknown order status %q", status)}
	}

	cur, err := e.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		next := cur.Clone()
		next.Status = status
		next.Priority = domain.PriorityOperator
		next.UpdatedAt = e.now()

		written, err := e.store.CompareAndSetOrder(ctx, next, cur.Version)
		if err == nil {
			r := &domain.ReconciliationRecord{
				Stage:          domain.StageOperator,
				ClientOrderID:  clientOrderID,
				Symbol:         cur.Symbol,
				PreviousStatus: cur.Status,
				NewStatus:      status,
				Source:         domain.SourceOperator,
				Resolution:     domain.ResolutionOverwritten,
				Detail:         reason,
			}
			if err := e.appendRecord(ctx, "", r); err != nil {
				e.logger.Warn("record operator override", slog.String("error", err.Error()))
			}
			e.logger.Warn("order status overridden by operator",
				slog.String("client_order_id", clientOrderID),
				slog.String("from", string(cur.Status)),
				slog.String("to", string(status)),
				slog.String("reason", reason),
			)
			return written, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt == maxCASAttempts-1 {
			return nil, err
		}
		cur = written
	}
}

func (e *Engine) appendRecord(ctx context.Context, passID string, r *domain.ReconciliationRecord) error {
	r.RecordID = uuid.NewString()
	r.PassID = passID
	r.CreatedAt = e.now()
	if err := e.store.AppendRecord(ctx, r); err != nil {
		return err
	}
	metrics.IncReconRecord(string(r.Stage), string(r.Resolution))
	return nil
}

// pass carries the state of one reconciliation run across its stages.
type pass struct {
	e         *Engine
	id        string
	startedAt time.Time

	mu          sync.Mutex
	resolutions map[domain.Resolution]int
	// missing holds open local orders the broker does not know, found by
	// order sync and reported by orphan detection.
	missing []*domain.Order
}

func (e *Engine) newPass() *pass {
	return &pass{
		e:           e,
		id:          uuid.NewString(),
		startedAt:   e.now(),
		resolutions: make(map[domain.Resolution]int),
	}
}

func (p *pass) record(ctx context.Context, r *domain.ReconciliationRecord) error {
	if err := p.e.appendRecord(ctx, p.id, r); err != nil {
		return fmt.Errorf("append reconciliation record: %w", err)
	}
	p.mu.Lock()
	p.resolutions[r.Resolution]++
	p.mu.Unlock()
	return nil
}

func (p *pass) markMissing(o *domain.Order) {
	p.mu.Lock()
	p.missing = append(p.missing, o)
	p.mu.Unlock()
}

func (p *pass) counts() map[domain.Resolution]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.Resolution]int, len(p.resolutions))
	for k, v := range p.resolutions {
		out[k] = v
	}
	return out
}

// resolveOrder finds the local order of a broker record, by client id
// first and broker id second.
func (p *pass) resolveOrder(ctx context.Context, clientOrderID, brokerOrderID string) (*domain.Order, error) {
	if clientOrderID != "" {
		o, err := p.e.store.GetOrder(ctx, clientOrderID)
		if err == nil || !errors.Is(err, domain.ErrOrderNotFound) {
			return o, err
		}
	}
	if brokerOrderID == "" {
		return nil, domain.ErrOrderNotFound
	}
	return p.e.store.GetOrderByBrokerID(ctx, brokerOrderID)
}
