package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

func openEscalation(t *testing.T, env *testEnv, agentID, capabilityID string) *contracts.EscalationRequest {
	t.Helper()
	req := &contracts.EscalationRequest{
		AgentID:      agentID,
		CapabilityID: capabilityID,
		TaskID:       "task-1",
		Requested:    contracts.LevelWrite,
		Reason:       "tier ceiling",
	}
	if err := env.esc.Open(context.Background(), req); err != nil {
		t.Fatalf("open escalation: %v", err)
	}
	return req
}

func TestEscalations_OpenAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := openEscalation(t, env, "agent-1", "repo.push")
	if req.ID == "" || req.Status != contracts.EscalationPending {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.ExpiresAt.Sub(req.CreatedAt) != DefaultEscalationTTL {
		t.Fatalf("default ttl not applied: %v", req.ExpiresAt.Sub(req.CreatedAt))
	}

	pending, err := env.esc.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending list wrong: %+v", pending)
	}

	got, err := env.esc.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Reason != "tier ceiling" || got.Requested != contracts.LevelWrite {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	if _, err := env.esc.Get(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEscalations_OpenReusesPending(t *testing.T) {
	env := newTestEnv(t)

	first := openEscalation(t, env, "agent-1", "repo.push")
	second := openEscalation(t, env, "agent-1", "repo.push")
	if second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s", first.ID, second.ID)
	}
	if env.countRows(t, "escalation_requests") != 1 {
		t.Fatal("duplicate pending rows")
	}

	// A different capability is a separate review.
	other := openEscalation(t, env, "agent-1", "fs.delete")
	if other.ID == first.ID {
		t.Fatal("distinct capabilities must not share a request")
	}
}

func TestEscalations_ApproveMintsScopedGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := openEscalation(t, env, "agent-1", "repo.push")
	out, err := env.esc.Approve(ctx, req.ID, "operator-7", 30*time.Minute)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.Status != contracts.EscalationApproved || out.DecidedBy != "operator-7" {
		t.Fatalf("unexpected decision %+v", out)
	}

	grant, err := env.reg.ActiveGrant(ctx, "agent-1", "repo.push", "task-1", env.clock.Now())
	if err != nil {
		t.Fatalf("active grant: %v", err)
	}
	if grant == nil || grant.Level != contracts.LevelWrite {
		t.Fatalf("approval did not mint the requested grant: %+v", grant)
	}
	if grant.ExpiresAt == nil || !grant.ExpiresAt.Equal(env.clock.Now().Add(30*time.Minute)) {
		t.Fatalf("grant ttl wrong: %v", grant.ExpiresAt)
	}

	// The grant is scoped to the requesting task.
	leak, err := env.reg.ActiveGrant(ctx, "agent-1", "repo.push", "task-2", env.clock.Now())
	if err != nil {
		t.Fatalf("active grant other task: %v", err)
	}
	if leak != nil {
		t.Fatalf("approval grant leaked outside its task: %+v", leak)
	}

	// Deciding twice is a conflict.
	if _, err := env.esc.Approve(ctx, req.ID, "operator-7", 0); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second approve: expected ErrConflict, got %v", err)
	}
	if _, err := env.esc.Reject(ctx, req.ID, "operator-7"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("reject after approve: expected ErrConflict, got %v", err)
	}
}

func TestEscalations_RejectMintsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := openEscalation(t, env, "agent-1", "repo.push")
	out, err := env.esc.Reject(ctx, req.ID, "operator-7")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.Status != contracts.EscalationRejected {
		t.Fatalf("expected rejected, got %s", out.Status)
	}

	grant, err := env.reg.ActiveGrant(ctx, "agent-1", "repo.push", "task-1", env.clock.Now())
	if err != nil {
		t.Fatalf("active grant: %v", err)
	}
	if grant != nil {
		t.Fatalf("rejection must not mint a grant: %+v", grant)
	}
}

func TestEscalations_ApproveAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := openEscalation(t, env, "agent-1", "repo.push")
	env.clock.advance(DefaultEscalationTTL + time.Hour)

	out, err := env.esc.Approve(ctx, req.ID, "operator-7", 0)
	if err != nil {
		t.Fatalf("approve expired: %v", err)
	}
	if out.Status != contracts.EscalationExpired {
		t.Fatalf("expected expired, got %s", out.Status)
	}

	grant, err := env.reg.ActiveGrant(ctx, "agent-1", "repo.push", "task-1", env.clock.Now())
	if err != nil {
		t.Fatalf("active grant: %v", err)
	}
	if grant != nil {
		t.Fatal("expired approval must not mint a grant")
	}
}

func TestEscalations_ExpireSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	openEscalation(t, env, "agent-1", "repo.push")
	openEscalation(t, env, "agent-2", "fs.delete")
	env.clock.advance(DefaultEscalationTTL + time.Minute)
	openEscalation(t, env, "agent-3", "net.fetch")

	n, err := env.esc.ExpireSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}

	pending, err := env.esc.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].AgentID != "agent-3" {
		t.Fatalf("pending after sweep: %+v", pending)
	}
}
