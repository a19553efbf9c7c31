package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBatchLimit = 256
)

// handleTaskStream upgrades to a websocket and streams the task's events
// in seq order as JSON text messages, starting after ?since_seq (0
// replays from the beginning). Each batch resumes at the last delivered
// seq, so a client reconnecting with the last seq it saw gets a gapless
// continuation. The stream stays open until the client disconnects.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Tasks.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	since, err := queryInt64(r, "since_seq", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade", "task_id", id, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only services control frames; any read error means
	// the peer went away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		tailCtx, tailCancel := context.WithTimeout(ctx, wsPingPeriod)
		events, err := s.deps.Events.Tail(tailCtx, id, since, wsBatchLimit)
		tailCancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				// The wait window lapsed mid-query; treat as an empty batch.
				events = nil
			} else {
				s.log.Debug("event tail", "task_id", id, "error", err)
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if len(events) == 0 {
			// Nothing committed inside the window: heartbeat so a dead
			// peer is noticed before the next one.
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		}
		for _, ev := range events {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			since = ev.Seq
		}
	}
}
