// Package runner drives tasks through planning, execution and
// verification, composing the decision recorder, the capability
// authorizer, the governance gate (via the executor) and the guardian.
// A runner owns a task's in-memory state only while it holds the task's
// work item lease; everything durable lives in the store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/capability"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/decision"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/executor"
	"github.com/mandatehq/mandate/pkg/governance"
	"github.com/mandatehq/mandate/pkg/guardian"
	"github.com/mandatehq/mandate/pkg/lease"
	"github.com/mandatehq/mandate/pkg/store"
)

// Mode is the autonomy level a runner drives tasks with.
type Mode string

// Autonomy modes. Full freezes plans without review and never waits for a
// human; off leaves both the freeze and every approval to the API.
const (
	ModeOff      Mode = "off"
	ModeAssisted Mode = "assisted"
	ModeFull     Mode = "full"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeAssisted, ModeFull:
		return true
	}
	return false
}

// autoFreeze reports whether drafts freeze without human review.
func (m Mode) autoFreeze() bool { return m == ModeFull || m == ModeAssisted }

// WorkTypeRun is the work type of the lease a runner drives a task under.
const WorkTypeRun = "task_run"

// Defaults for the tunables behind the options.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStepRetries  = 2
	DefaultVerifier     = "guardian"
)

// Clock is the time source, swappable in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Deps are the kernel surfaces a runner composes. All are required.
type Deps struct {
	Events      *eventlog.Log
	Leases      *lease.Manager
	Plans       *decision.Recorder
	Registry    *capability.Registry
	Authorizer  *capability.Authorizer
	Escalations *capability.Escalations
	Governance  *governance.Engine
	Executor    *executor.Executor
	Guardian    *guardian.Guardian
}

func (d Deps) validate() error {
	switch {
	case d.Events == nil:
		return fmt.Errorf("runner: event log is required")
	case d.Leases == nil:
		return fmt.Errorf("runner: lease manager is required")
	case d.Plans == nil:
		return fmt.Errorf("runner: decision recorder is required")
	case d.Registry == nil:
		return fmt.Errorf("runner: capability registry is required")
	case d.Authorizer == nil:
		return fmt.Errorf("runner: authorizer is required")
	case d.Escalations == nil:
		return fmt.Errorf("runner: escalation store is required")
	case d.Governance == nil:
		return fmt.Errorf("runner: governance engine is required")
	case d.Executor == nil:
		return fmt.Errorf("runner: executor is required")
	case d.Guardian == nil:
		return fmt.Errorf("runner: guardian is required")
	}
	return nil
}

// Runner drives tasks. One Runner serves a whole process; each driven
// task gets its own goroutine and its own lease.
type Runner struct {
	db          *store.DB
	tasks       *store.TaskStore
	items       *store.WorkItemStore
	checkpoints *store.CheckpointStore
	audits      *store.AuditStore
	deps        Deps

	mode        Mode
	planner     Planner
	poll        time.Duration
	stepRetries int
	verifier    string
	clock       Clock
	obs         PhaseObserver
	log         *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// PhaseObserver is notified when a run enters a phase; the returned finish
// reports how the phase ended. The telemetry provider satisfies this.
type PhaseObserver interface {
	Phase(ctx context.Context, taskID, phase string) func(error)
}

type nopObserver struct{}

func (nopObserver) Phase(context.Context, string, string) func(error) { return func(error) {} }

// Option tunes a Runner.
type Option func(*Runner)

// WithMode sets the autonomy level. Default ModeOff.
func WithMode(m Mode) Option { return func(r *Runner) { r.mode = m } }

// WithPlanner replaces the draft planner.
func WithPlanner(p Planner) Option { return func(r *Runner) { r.planner = p } }

// WithClock replaces the timestamp source.
func WithClock(c Clock) Option { return func(r *Runner) { r.clock = c } }

// WithPollInterval sets how often waits re-check the store.
func WithPollInterval(d time.Duration) Option { return func(r *Runner) { r.poll = d } }

// WithStepRetries sets how many extra attempts a failed step gets before
// the task fails.
func WithStepRetries(n int) Option { return func(r *Runner) { r.stepRetries = n } }

// WithObserver attaches phase instrumentation.
func WithObserver(o PhaseObserver) Option { return func(r *Runner) { r.obs = o } }

// New builds a Runner over db.
func New(db *store.DB, deps Deps, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		db:          db,
		tasks:       store.NewTaskStore(db),
		items:       store.NewWorkItemStore(db),
		checkpoints: store.NewCheckpointStore(db),
		audits:      store.NewAuditStore(db),
		deps:        deps,
		mode:        ModeOff,
		planner:     MetadataPlanner{},
		poll:        DefaultPollInterval,
		stepRetries: DefaultStepRetries,
		verifier:    DefaultVerifier,
		clock:       wallClock{},
		obs:         nopObserver{},
		log:         logger.With("component", "runner"),
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if !r.mode.Valid() {
		return nil, fmt.Errorf("runner: unknown autonomy mode %q", r.mode)
	}
	return r, nil
}

// Mode returns the configured autonomy level.
func (r *Runner) Mode() Mode { return r.mode }

// Run drives one task until it reaches a stable stop: a terminal status,
// blocked, or an unwound wait. A task already driven by another runner is
// left alone. The caller's ctx bounds the whole run, including approval
// and plan-freeze waits.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("runner: load task: %w", err)
	}
	if task.Status.Terminal() {
		return nil
	}

	item, err := r.adoptItem(ctx, taskID)
	if err != nil {
		return err
	}
	owner, err := r.ownerID()
	if err != nil {
		return err
	}
	if err := r.deps.Leases.Acquire(ctx, item.ID, owner); err != nil {
		if errors.Is(err, lease.ErrHeld) {
			r.log.Debug("task already driven", "task_id", taskID, "work_item_id", item.ID)
			return nil
		}
		return fmt.Errorf("runner: acquire lease: %w", err)
	}

	// The lease outlives each dispatch; losing it aborts the run so the
	// recovery loop can hand the task to a fresh runner.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := r.deps.Leases.Keep(runCtx, item.ID, owner)
	go func() {
		select {
		case err := <-lost:
			if err != nil {
				r.log.Warn("lease lost mid-run", "task_id", taskID, "error", err)
				cancel()
			}
		case <-runCtx.Done():
		}
	}()

	d := &drive{r: r, task: task, item: item, owner: owner, approved: make(map[string]bool)}
	return d.run(runCtx)
}

// RunQueued adopts pending task_run work items until ctx ends, spawning
// one goroutine per task. Recovery respawns land here.
func (r *Runner) RunQueued(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.adoptPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) adoptPending(ctx context.Context) {
	items, err := r.items.ListPending(ctx, WorkTypeRun, 64)
	if err != nil {
		r.log.Error("scan pending work", "error", err)
		return
	}
	for _, item := range items {
		taskID := item.TaskID
		r.mu.Lock()
		if _, busy := r.inflight[taskID]; busy {
			r.mu.Unlock()
			continue
		}
		r.inflight[taskID] = struct{}{}
		r.mu.Unlock()

		go func() {
			defer func() {
				r.mu.Lock()
				delete(r.inflight, taskID)
				r.mu.Unlock()
			}()
			if err := r.Run(ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("run aborted", "task_id", taskID, "error", err)
			}
		}()
	}
}

// Start enqueues a run for the task and drives it on a fresh goroutine.
// It is the intake path for the API: the work item exists before Start
// returns, so the task is recoverable even if the goroutine never runs.
func (r *Runner) Start(ctx context.Context, taskID string) error {
	if _, err := r.adoptItem(ctx, taskID); err != nil {
		return err
	}
	go func() {
		if err := r.Run(context.WithoutCancel(ctx), taskID); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("run aborted", "task_id", taskID, "error", err)
		}
	}()
	return nil
}

// adoptItem returns the newest live task_run item for the task, creating
// one when none exists. An in_progress item is returned too: Acquire
// arbitrates, reporting ErrHeld while its lease is live and taking it
// over once lapsed.
func (r *Runner) adoptItem(ctx context.Context, taskID string) (*contracts.WorkItem, error) {
	existing, err := r.items.ListByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("runner: list work items: %w", err)
	}
	for i := len(existing) - 1; i >= 0; i-- {
		if existing[i].WorkType != WorkTypeRun {
			continue
		}
		switch existing[i].Status {
		case contracts.WorkPending, contracts.WorkInProgress:
			return existing[i], nil
		}
	}
	item := &contracts.WorkItem{
		TaskID:   taskID,
		WorkType: WorkTypeRun,
		Input:    map[string]any{"trigger": "intake"},
	}
	if err := r.items.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("runner: create work item: %w", err)
	}
	return item, nil
}

func (r *Runner) ownerID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("runner: owner id: %w", err)
	}
	return "runner-" + id.String(), nil
}
