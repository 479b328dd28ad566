package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"governance-reconciler/internal/models"
	"governance-reconciler/internal/rules"
	"governance-reconciler/internal/store"
	"governance-reconciler/internal/telemetry"
)

// ErrRunInProgress is returned when a run is requested while another pass
// is active for the same tenant. Requests are rejected, never queued.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// Store is the persistence surface the engine needs. *store.Store
// implements it; tests substitute in-memory fakes.
type Store interface {
	ListSources(ctx context.Context, kind models.SourceKind, tenantID string) ([]models.SourceRecord, error)

	FindLink(ctx context.Context, key models.LinkKey) (models.AutomationLink, bool, error)
	UpsertLink(ctx context.Context, link models.AutomationLink) (models.AutomationLink, error)
	MarkLinksStale(ctx context.Context, tenantID, automationType string, sourceType models.SourceKind, targetType models.TargetKind, activeSourceIDs []string) (int, error)
	LinkSummary(ctx context.Context, tenantID string) (models.LinkSummary, error)

	CreateTarget(ctx context.Context, kind models.TargetKind, tenantID string, p models.TargetPayload) (string, error)
	GetTarget(ctx context.Context, kind models.TargetKind, tenantID, id string) (models.TargetRecord, bool, error)
	RefreshTarget(ctx context.Context, kind models.TargetKind, tenantID, id string, p models.TargetPayload) error

	CreateRun(ctx context.Context, tenantID, trigger string, startedAt time.Time) (models.AutomationRun, error)
	FinishRun(ctx context.Context, id, status string, counts models.RunCounts, details string, completedAt time.Time) error
	LatestRun(ctx context.Context, tenantID string) (*models.AutomationRun, error)
	FailStaleRuns(ctx context.Context, tenantID string, maxAge time.Duration, now time.Time) (int, error)
}

// Locker serializes passes across processes. Optional; the in-process
// state machine still guards single-process deployments without it.
type Locker interface {
	Acquire(ctx context.Context, scope string) (bool, error)
	Release(ctx context.Context, scope string) error
}

// Archiver receives terminal run summaries for audit retention. Optional
// and best-effort: archive failures never change a run's status.
type Archiver interface {
	ArchiveRun(ctx context.Context, run models.AutomationRun) error
}

// Engine owns the lifecycle of reconciliation passes: single-flight
// execution, rule iteration, counter aggregation, and run persistence.
type Engine struct {
	store      Store
	catalog    []rules.Rule
	lock       Locker
	archive    Archiver
	runTimeout time.Duration
	now        func() time.Time

	mu     sync.Mutex
	active map[string]bool // tenants with a pass running in this process
}

// Option tweaks optional engine collaborators.
type Option func(*Engine)

// WithLocker attaches a cross-process run lock.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.lock = l }
}

// WithArchiver attaches a run-report archiver.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archive = a }
}

// WithClock overrides the time source. Tests pin this.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine over the given store and rule catalog.
func New(st Store, catalog []rules.Rule, runTimeout time.Duration, opts ...Option) *Engine {
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	e := &Engine{
		store:      st,
		catalog:    catalog,
		runTimeout: runTimeout,
		now:        time.Now,
		active:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full reconciliation pass for the tenant and returns the
// terminal AutomationRun. A second call while a pass is active returns
// ErrRunInProgress. The pass is bounded by the run timeout; on expiry it
// finishes failed with partial counts rather than staying running.
func (e *Engine) Run(ctx context.Context, tenantID, trigger string) (models.AutomationRun, error) {
	if trigger == "" {
		trigger = models.TriggerManual
	}
	if !e.begin(tenantID) {
		telemetry.RunsRejected.Inc()
		return models.AutomationRun{}, ErrRunInProgress
	}
	defer e.end(tenantID)

	if e.lock != nil {
		ok, err := e.lock.Acquire(ctx, tenantID)
		if err != nil {
			return models.AutomationRun{}, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			telemetry.RunsRejected.Inc()
			return models.AutomationRun{}, ErrRunInProgress
		}
		defer func() {
			if err := e.lock.Release(context.WithoutCancel(ctx), tenantID); err != nil {
				log.Printf("release run lock for %s: %v", tenantID, err)
			}
		}()
	}

	now := e.now()

	// Self-heal after a crash: a row stuck in running would otherwise
	// block this tenant forever.
	if n, err := e.store.FailStaleRuns(ctx, tenantID, e.runTimeout, now); err != nil {
		return models.AutomationRun{}, fmt.Errorf("sweep stale runs: %w", err)
	} else if n > 0 {
		log.Printf("tenant %s: failed %d abandoned run(s)", tenantID, n)
	}

	run, err := e.store.CreateRun(ctx, tenantID, trigger, now)
	if errors.Is(err, store.ErrRunActive) {
		telemetry.RunsRejected.Inc()
		return models.AutomationRun{}, ErrRunInProgress
	}
	if err != nil {
		return models.AutomationRun{}, fmt.Errorf("start run: %w", err)
	}

	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	runCtx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	counts, details := e.evaluate(runCtx, tenantID, now)

	status := models.RunCompleted
	if runCtx.Err() != nil {
		// A pass cut short is failed even though its counters are kept.
		status = models.RunFailed
		details += fmt.Sprintf("run aborted: %v\n", runCtx.Err())
	}

	// Bookkeeping writes must survive the run timeout.
	finishCtx := context.WithoutCancel(ctx)
	completedAt := e.now()
	if err := e.store.FinishRun(finishCtx, run.ID, status, counts, details, completedAt); err != nil {
		telemetry.RunsFailed.Inc()
		return models.AutomationRun{}, fmt.Errorf("persist run outcome: %w", err)
	}

	run.Status = status
	run.RunCounts = counts
	run.Details = details
	run.CompletedAt = &completedAt

	if status == models.RunFailed {
		telemetry.RunsFailed.Inc()
	} else {
		telemetry.RunsCompleted.Inc()
	}

	if e.archive != nil {
		if err := e.archive.ArchiveRun(finishCtx, run); err != nil {
			log.Printf("archive run %s: %v", run.ID, err)
		}
	}
	return run, nil
}

// evaluate walks the catalog sequentially, reconciling every matched
// source. Per-rule and per-source errors are absorbed into the counters so
// one bad record never blocks unrelated records.
func (e *Engine) evaluate(ctx context.Context, tenantID string, now time.Time) (models.RunCounts, string) {
	var counts models.RunCounts
	var details strings.Builder

	for _, rule := range e.catalog {
		if ctx.Err() != nil {
			break
		}

		sources, err := e.store.ListSources(ctx, rule.SourceKind, tenantID)
		if err != nil {
			counts.Errors++
			telemetry.ReconcileErrors.Inc()
			fmt.Fprintf(&details, "rule %s: scan failed: %v\n", rule.ID, err)
			continue
		}

		matched := make([]string, 0, len(sources))
		for _, src := range sources {
			if ctx.Err() != nil {
				break
			}
			if !rule.Matches(src, now) {
				continue
			}
			matched = append(matched, src.ID)
			counts.Processed++

			switch outcome, err := e.reconcileSource(ctx, rule, src, now); outcome {
			case outcomeCreated:
				counts.Created++
				telemetry.TargetsCreated.Inc()
			case outcomeUpdated:
				counts.Updated++
				telemetry.TargetsUpdated.Inc()
			case outcomeSkipped:
				counts.Skipped++
				telemetry.TargetsSkipped.Inc()
			case outcomeError:
				counts.Errors++
				telemetry.ReconcileErrors.Inc()
				fmt.Fprintf(&details, "rule %s: source %s: %v\n", rule.ID, src.ID, err)
			}
		}

		if ctx.Err() != nil {
			break
		}
		if n, err := e.store.MarkLinksStale(ctx, tenantID, rule.ID, rule.SourceKind, rule.TargetKind, matched); err != nil {
			counts.Errors++
			telemetry.ReconcileErrors.Inc()
			fmt.Fprintf(&details, "rule %s: stale sweep failed: %v\n", rule.ID, err)
		} else if n > 0 {
			fmt.Fprintf(&details, "rule %s: marked %d link(s) stale\n", rule.ID, n)
		}
	}
	return counts, details.String()
}

// Status reports the coordinator state without triggering a run.
func (e *Engine) Status(ctx context.Context, tenantID string) (models.EngineStatus, error) {
	e.mu.Lock()
	running := e.active[tenantID]
	e.mu.Unlock()

	lastRun, err := e.store.LatestRun(ctx, tenantID)
	if err != nil {
		return models.EngineStatus{}, fmt.Errorf("read last run: %w", err)
	}
	// A running row in the store counts even if another process owns it.
	if lastRun != nil && lastRun.Status == models.RunRunning {
		running = true
	}

	summary, err := e.store.LinkSummary(ctx, tenantID)
	if err != nil {
		return models.EngineStatus{}, fmt.Errorf("read link summary: %w", err)
	}
	return models.EngineStatus{
		Running:     running,
		LastRun:     lastRun,
		LinkSummary: summary,
	}, nil
}

func (e *Engine) begin(tenantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[tenantID] {
		return false
	}
	e.active[tenantID] = true
	return true
}

func (e *Engine) end(tenantID string) {
	e.mu.Lock()
	delete(e.active, tenantID)
	e.mu.Unlock()
}
