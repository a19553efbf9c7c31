package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/mandatehq/mandate/pkg/contracts"
)

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func (e *apiEnv) appendEvent(t *testing.T, taskID, typ string) {
	t.Helper()
	if err := e.events.Append(context.Background(), &contracts.Event{TaskID: taskID, Type: typ}); err != nil {
		t.Fatalf("append %s: %v", typ, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) *contracts.Event {
	t.Helper()
	var ev contracts.Event
	_ = conn.SetReadDeadline(time.Now().Add(testWait))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return &ev
}

func TestTaskStreamReplayAndLive(t *testing.T) {
	env := newAPIEnv(t)
	env.seedTask(t, "task-ws-1")
	env.appendEvent(t, "task-ws-1", "phase_started")
	env.appendEvent(t, "task-ws-1", "step_started")
	env.appendEvent(t, "task-ws-1", "step_finished")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL, "/ws/tasks/task-ws-1/events"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i, want := range []string{"phase_started", "step_started", "step_finished"} {
		ev := readEvent(t, conn)
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, want, ev.Type)
	}

	// An event appended while the stream is live arrives without a
	// reconnect.
	env.appendEvent(t, "task-ws-1", "task_succeeded")
	ev := readEvent(t, conn)
	assert.Equal(t, int64(4), ev.Seq)
	assert.Equal(t, "task_succeeded", ev.Type)
}

func TestTaskStreamResume(t *testing.T) {
	env := newAPIEnv(t)
	env.seedTask(t, "task-ws-2")
	env.appendEvent(t, "task-ws-2", "phase_started")
	env.appendEvent(t, "task-ws-2", "step_started")
	env.appendEvent(t, "task-ws-2", "step_finished")

	// A client reconnecting with the last seq it saw gets a gapless
	// continuation, not a replay.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL, "/ws/tasks/task-ws-2/events?since_seq=2"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, int64(3), ev.Seq)
	assert.Equal(t, "step_finished", ev.Type)
}

func TestTaskStreamUnknownTask(t *testing.T) {
	env := newAPIEnv(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL, "/ws/tasks/ghost/events"), nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.NoError(t, resp.Body.Close())
	}
}

func TestTaskStreamBadQuery(t *testing.T) {
	env := newAPIEnv(t)
	env.seedTask(t, "task-ws-3")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL, "/ws/tasks/task-ws-3/events?since_seq=oops"), nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.NoError(t, resp.Body.Close())
	}
}
