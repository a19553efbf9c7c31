// Package eventlog is the authoritative record of everything a task did.
// Events carry a per-task sequence with no gaps; consumers resume from
// any sequence number and long-poll for the rest.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// Log appends and serves task events.
type Log struct {
	db  *store.DB
	log *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// New returns a Log over db.
func New(db *store.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		db:      db,
		log:     logger.With("component", "eventlog"),
		waiters: make(map[string][]chan struct{}),
	}
}

// Append commits one event and wakes tail listeners.
func (l *Log) Append(ctx context.Context, ev *contracts.Event) error {
	err := l.db.Write(ctx, func(tx *sql.Tx) error {
		return l.AppendTx(ctx, tx, ev)
	})
	if err != nil {
		return err
	}
	l.Wake(ev.TaskID)
	return nil
}

// AppendTx writes an event inside a caller-owned transaction. The caller
// must invoke Wake for the task after the transaction commits; AppendTx
// cannot, because the event is not visible until then.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, ev *contracts.Event) error {
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("eventlog: event id: %w", err)
		}
		ev.ID = id.String()
	}
	if ev.Actor == "" {
		ev.Actor = contracts.ActorSystem
	}
	if ev.SpanID == "" {
		ev.SpanID = ev.ID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	hash, err := canonicalize.CanonicalHash(ev.Payload)
	if err != nil {
		return fmt.Errorf("eventlog: payload hash: %w", err)
	}
	ev.PayloadHash = hash

	row := tx.QueryRowContext(ctx, `
		INSERT INTO task_event_counters (task_id, last_seq) VALUES (?, 1)
		ON CONFLICT (task_id) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq`, ev.TaskID)
	if err := row.Scan(&ev.Seq); err != nil {
		return fmt.Errorf("eventlog: allocate seq: %w", err)
	}

	payload, err := jsonPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_events (event_id, task_id, seq, event_type, phase, actor,
		                         span_id, parent_span_id, payload_json, payload_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TaskID, ev.Seq, ev.Type, nullable(string(ev.Phase)), string(ev.Actor),
		ev.SpanID, nullable(ev.ParentSpanID), payload, ev.PayloadHash,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("eventlog: insert event: %w", err)
	}
	return nil
}

// Wake signals tail listeners that new events for a task committed.
func (l *Log) Wake(taskID string) {
	l.mu.Lock()
	chans := l.waiters[taskID]
	delete(l.waiters, taskID)
	l.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func (l *Log) subscribe(taskID string) chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	l.waiters[taskID] = append(l.waiters[taskID], ch)
	l.mu.Unlock()
	return ch
}

const eventColumns = `event_id, task_id, seq, event_type, phase, actor,
	span_id, parent_span_id, payload_json, payload_hash, created_at`

// List returns up to limit events with seq > sinceSeq, in order. It never
// blocks; Tail is the long-polling variant.
func (l *Log) List(ctx context.Context, taskID string, sinceSeq int64, limit int) ([]*contracts.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := l.db.Read().QueryContext(ctx, `
		SELECT `+eventColumns+` FROM task_events
		WHERE task_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		taskID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	return collectEvents(rows)
}

// Tail behaves like List but blocks until at least one event past
// sinceSeq exists or ctx expires. An expired ctx returns what was seen
// so far (possibly nothing) and no error.
func (l *Log) Tail(ctx context.Context, taskID string, sinceSeq int64, limit int) ([]*contracts.Event, error) {
	for {
		// Subscribe before the query so a commit in between still wakes us.
		wake := l.subscribe(taskID)

		events, err := l.List(ctx, taskID, sinceSeq, limit)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// LastSeq returns the highest committed sequence for a task, 0 when the
// task has no events.
func (l *Log) LastSeq(ctx context.Context, taskID string) (int64, error) {
	var seq sql.NullInt64
	err := l.db.Read().QueryRowContext(ctx,
		`SELECT last_seq FROM task_event_counters WHERE task_id = ?`, taskID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: last seq: %w", err)
	}
	return seq.Int64, nil
}

func collectEvents(rows *sql.Rows) ([]*contracts.Event, error) {
	defer func() { _ = rows.Close() }()

	var events []*contracts.Event
	for rows.Next() {
		var (
			ev      contracts.Event
			phase   sql.NullString
			actor   string
			parent  sql.NullString
			payload sql.NullString
			created string
		)
		err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Seq, &ev.Type, &phase, &actor,
			&ev.SpanID, &parent, &payload, &ev.PayloadHash, &created)
		if err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		ev.Phase = contracts.Phase(phase.String)
		ev.Actor = contracts.Actor(actor)
		ev.ParentSpanID = parent.String
		if payload.Valid && payload.String != "" {
			if err := decodePayload(payload.String, &ev.Payload); err != nil {
				return nil, err
			}
		}
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("eventlog: parse created_at: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
