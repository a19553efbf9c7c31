// Package recovery resumes work orphaned by a crash or a lost lease. Each
// pass expires lapsed leases, then respawns every expired item as a fresh
// pending attempt anchored to its task's latest restartable checkpoint. A
// task with no usable checkpoint cannot be resumed and fails fatally.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Sweeper expires lapsed leases and hands back the orphaned items.
// Satisfied by lease.Manager.
type Sweeper interface {
	Sweep(ctx context.Context) ([]*contracts.WorkItem, error)
}

// Report summarizes one recovery pass.
type Report struct {
	// Swept counts leases expired by this pass.
	Swept int
	// Resumed holds the fresh pending work items created.
	Resumed []*contracts.WorkItem
	// FailedTasks lists tasks terminated for lack of a usable checkpoint.
	FailedTasks []string
}

// Recoverer drives the crash-resume loop.
type Recoverer struct {
	db          *store.DB
	leases      Sweeper
	checkpoints *store.CheckpointStore
	items       *store.WorkItemStore
	tasks       *store.TaskStore
	audits      *store.AuditStore
	events      *eventlog.Log
	clock       Clock
	log         *slog.Logger
}

// New wires a Recoverer over the store and the lease sweeper.
func New(db *store.DB, leases Sweeper, events *eventlog.Log, logger *slog.Logger) *Recoverer {
	return &Recoverer{
		db:          db,
		leases:      leases,
		checkpoints: store.NewCheckpointStore(db),
		items:       store.NewWorkItemStore(db),
		tasks:       store.NewTaskStore(db),
		audits:      store.NewAuditStore(db),
		events:      events,
		clock:       wallClock{},
		log:         logger.With("component", "recovery"),
	}
}

// WithClock substitutes the time source.
func (r *Recoverer) WithClock(c Clock) *Recoverer {
	r.clock = c
	return r
}

// Recover performs one pass: sweep lapsed leases, then resume or fail each
// orphaned item. Per-item problems are reported in the result and logged;
// only a failing sweep aborts the pass.
func (r *Recoverer) Recover(ctx context.Context) (*Report, error) {
	expired, err := r.leases.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	rep := &Report{Swept: len(expired)}

	for _, item := range expired {
		next, rerr := r.resume(ctx, item)
		switch {
		case rerr == nil && next != nil:
			rep.Resumed = append(rep.Resumed, next)
		case rerr == nil:
			// Task already terminal; the expired item is residue.
		case contracts.IsCode(rerr, contracts.ErrCheckpointInvalid):
			if ferr := r.failTask(ctx, item, rerr); ferr != nil {
				r.log.Error("failed to terminate unrecoverable task",
					"task_id", item.TaskID, "error", ferr)
				continue
			}
			rep.FailedTasks = append(rep.FailedTasks, item.TaskID)
		default:
			r.log.Error("resume failed",
				"work_item_id", item.ID, "task_id", item.TaskID, "error", rerr)
		}
	}

	if rep.Swept > 0 {
		r.log.Info("recovery pass finished",
			"swept", rep.Swept,
			"resumed", len(rep.Resumed),
			"failed_tasks", len(rep.FailedTasks))
	}
	return rep, nil
}

// Run performs a pass immediately, then on every tick until ctx is done.
func (r *Recoverer) Run(ctx context.Context, interval time.Duration) {
	if _, err := r.Recover(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("recovery pass failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Recover(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("recovery pass failed", "error", err)
			}
		}
	}
}

// resume anchors the expired item to its task's latest restartable
// checkpoint and clones it into a fresh pending attempt, recording a
// recovery_initiated event in the same transaction. Items of tasks that
// already finished return (nil, nil): there is nothing left to drive.
func (r *Recoverer) resume(ctx context.Context, item *contracts.WorkItem) (*contracts.WorkItem, error) {
	task, err := r.tasks.Get(ctx, item.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, nil
	}

	cp, err := r.checkpoints.LatestRestartable(ctx, item.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.NewKernelError(contracts.ErrCheckpointInvalid,
			fmt.Sprintf("task %s has no restartable checkpoint", item.TaskID),
			"task_id", item.TaskID, "work_item_id", item.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := r.checkpoints.Verify(cp); err != nil {
		return nil, err
	}

	next := &contracts.WorkItem{
		TaskID:   item.TaskID,
		WorkType: item.WorkType,
		Attempt:  item.Attempt + 1,
		Input:    item.Input,
	}
	err = r.db.Write(ctx, func(tx *sql.Tx) error {
		if err := r.items.CreateTx(ctx, tx, next); err != nil {
			return err
		}
		return r.events.AppendTx(ctx, tx, &contracts.Event{
			TaskID: item.TaskID,
			Type:   contracts.EventRecoveryInitiated,
			Actor:  contracts.ActorRecovery,
			Payload: map[string]any{
				"expired_work_item_id": item.ID,
				"new_work_item_id":     next.ID,
				"attempt":              next.Attempt,
				"checkpoint_id":        cp.ID,
				"sequence_number":      cp.SequenceNumber,
				"iteration":            cp.Iteration,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	r.events.Wake(item.TaskID)
	r.log.Info("work item resumed",
		"task_id", item.TaskID,
		"expired_work_item_id", item.ID,
		"new_work_item_id", next.ID,
		"checkpoint_seq", cp.SequenceNumber)
	return next, nil
}

// failTask terminates a task that cannot be resumed: final status, a
// runner_exit event, and a CRITICAL audit in one transaction. A task some
// other path already finished is left as it is.
func (r *Recoverer) failTask(ctx context.Context, item *contracts.WorkItem, cause error) error {
	err := r.db.Write(ctx, func(tx *sql.Tx) error {
		if err := r.tasks.FinishTx(ctx, tx, item.TaskID, contracts.TaskFailed, contracts.ExitFatalError); err != nil {
			return err
		}
		if err := r.events.AppendTx(ctx, tx, &contracts.Event{
			TaskID: item.TaskID,
			Type:   contracts.EventRunnerExit,
			Actor:  contracts.ActorRecovery,
			Payload: map[string]any{
				"exit_reason":  string(contracts.ExitFatalError),
				"work_item_id": item.ID,
				"error":        cause.Error(),
			},
		}); err != nil {
			return err
		}
		return r.audits.AppendTx(ctx, tx, &contracts.AuditRecord{
			TaskID:    item.TaskID,
			Severity:  contracts.AuditCritical,
			Category:  "recovery",
			Action:    "unrecoverable_task",
			Actor:     string(contracts.ActorRecovery),
			ErrorCode: contracts.ErrCheckpointInvalid,
			Detail: map[string]any{
				"work_item_id": item.ID,
				"error":        cause.Error(),
			},
			CreatedAt: r.clock.Now(),
		})
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	r.events.Wake(item.TaskID)
	r.log.Error("task failed without a usable checkpoint",
		"task_id", item.TaskID, "work_item_id", item.ID, "error", cause)
	return nil
}
