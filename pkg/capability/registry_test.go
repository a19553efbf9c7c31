package capability

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

func TestRegistry_ResolvePicksHighestVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		def := &contracts.CapabilityDefinition{
			ID: "fs.read", Domain: contracts.DomainState, Level: contracts.LevelRead, Version: v,
		}
		if err := env.reg.Register(ctx, def); err != nil {
			t.Fatalf("register %s: %v", v, err)
		}
	}

	def, err := env.reg.Resolve(ctx, "fs.read")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if def.Version != "1.10.0" {
		t.Fatalf("expected semver-latest 1.10.0, got %s", def.Version)
	}

	versions, err := env.reg.Versions(ctx, "fs.read")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	var got []string
	for _, d := range versions {
		got = append(got, d.Version)
	}
	want := []string{"1.0.0", "1.2.0", "1.10.0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("version order: got %v want %v", got, want)
		}
	}
}

func TestRegistry_RegisterValidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bad := []*contracts.CapabilityDefinition{
		{ID: "x", Domain: contracts.DomainState, Level: contracts.LevelRead, Version: "not-semver"},
		{ID: "x", Domain: "filesystem", Level: contracts.LevelRead, Version: "1.0.0"},
		{ID: "x", Domain: contracts.DomainState, Level: "sudo", Version: "1.0.0"},
		{ID: "UPPER", Domain: contracts.DomainState, Level: contracts.LevelRead, Version: "1.0.0"},
	}
	for i, def := range bad {
		if err := env.reg.Register(ctx, def); err == nil {
			t.Fatalf("case %d: expected rejection for %+v", i, def)
		}
	}
}

func TestRegistry_DefinitionsImmutable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCapability(t, "fs.read", contracts.DomainState, contracts.LevelRead)

	dup := &contracts.CapabilityDefinition{
		ID: "fs.read", Domain: contracts.DomainState, Level: contracts.LevelWrite, Version: "1.0.0",
	}
	if err := env.reg.Register(ctx, dup); err == nil {
		t.Fatal("expected duplicate (id, version) to be rejected")
	}

	err := env.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE capability_definitions SET level = 'admin' WHERE capability_id = 'fs.read'`)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("expected immutability trigger, got %v", err)
	}
}

func TestRegistry_ProfileRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedProfile(t, "agent-1", 2, contracts.EscalateDeny, []string{"fs.*"}, []string{"net.*"})
	p, err := env.reg.Profile(ctx, "agent-1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.Tier != 2 || p.EscalationPolicy != contracts.EscalateDeny {
		t.Fatalf("unexpected profile %+v", p)
	}
	if len(p.AllowedCapabilities) != 1 || p.AllowedCapabilities[0] != "fs.*" {
		t.Fatalf("allowed not round-tripped: %v", p.AllowedCapabilities)
	}

	// Upsert must invalidate the cached read.
	env.seedProfile(t, "agent-1", 3, contracts.EscalateLogOnly, nil, nil)
	p, err = env.reg.Profile(ctx, "agent-1")
	if err != nil {
		t.Fatalf("profile after upsert: %v", err)
	}
	if p.Tier != 3 || p.EscalationPolicy != contracts.EscalateLogOnly {
		t.Fatalf("stale profile served after upsert: %+v", p)
	}

	if _, err := env.reg.Profile(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown agent, got %v", err)
	}
}

func TestRegistry_ProfileRejectsBadTier(t *testing.T) {
	env := newTestEnv(t)
	p := &contracts.AgentProfile{AgentID: "a", Tier: 4, EscalationPolicy: contracts.EscalateDeny}
	if err := env.reg.UpsertProfile(context.Background(), p); err == nil {
		t.Fatal("expected tier 4 to be rejected")
	}
	p = &contracts.AgentProfile{AgentID: "a", Tier: 1, EscalationPolicy: "shrug"}
	if err := env.reg.UpsertProfile(context.Background(), p); err == nil {
		t.Fatal("expected unknown policy to be rejected")
	}
}

func TestRegistry_GrantLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	g := &contracts.Grant{
		AgentID: "agent-1", CapabilityID: "fs.write", Level: contracts.LevelWrite, GrantedBy: "op",
	}
	if err := env.reg.Grant(ctx, g); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.ID == "" {
		t.Fatal("grant id not assigned")
	}

	active, err := env.reg.ActiveGrant(ctx, "agent-1", "fs.write", "", now)
	if err != nil {
		t.Fatalf("active grant: %v", err)
	}
	if active == nil || active.ID != g.ID {
		t.Fatalf("expected grant %s active, got %+v", g.ID, active)
	}

	if err := env.reg.Revoke(ctx, g.ID, "op"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	active, err = env.reg.ActiveGrant(ctx, "agent-1", "fs.write", "", now)
	if err != nil {
		t.Fatalf("active grant after revoke: %v", err)
	}
	if active != nil {
		t.Fatalf("revoked grant still active: %+v", active)
	}

	if err := env.reg.Revoke(ctx, g.ID, "op"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("double revoke: expected ErrConflict, got %v", err)
	}

	n, err := env.reg.RevokeCount(ctx, "agent-1")
	if err != nil {
		t.Fatalf("revoke count: %v", err)
	}
	if n != 1 {
		t.Fatalf("revoke count = %d, want 1", n)
	}
}

func TestRegistry_ActiveGrantFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	expired := now.Add(-time.Minute)
	grants := []*contracts.Grant{
		{AgentID: "a", CapabilityID: "c", Level: contracts.LevelRead, GrantedBy: "op"},
		{AgentID: "a", CapabilityID: "c", Level: contracts.LevelWrite, GrantedBy: "op"},
		{AgentID: "a", CapabilityID: "c", Level: contracts.LevelAdmin, GrantedBy: "op", ExpiresAt: &expired},
		{AgentID: "a", CapabilityID: "c", Level: contracts.LevelAdmin, GrantedBy: "op", Scope: "task-9"},
	}
	for _, g := range grants {
		if err := env.reg.Grant(ctx, g); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}

	// Unscoped call: the expired admin grant and the task-9 scoped admin
	// grant are both out; write is the strongest live grant.
	got, err := env.reg.ActiveGrant(ctx, "a", "c", "task-1", now)
	if err != nil {
		t.Fatalf("active grant: %v", err)
	}
	if got == nil || got.Level != contracts.LevelWrite {
		t.Fatalf("expected write grant, got %+v", got)
	}

	// From task-9 the scoped admin grant applies.
	got, err = env.reg.ActiveGrant(ctx, "a", "c", "task-9", now)
	if err != nil {
		t.Fatalf("active grant scoped: %v", err)
	}
	if got == nil || got.Level != contracts.LevelAdmin {
		t.Fatalf("expected scoped admin grant, got %+v", got)
	}
}

func TestRegistry_ScopeGlob(t *testing.T) {
	if !scopeCovers("", "anything") {
		t.Fatal("empty scope must cover everything")
	}
	if !scopeCovers("task-1", "task-1") {
		t.Fatal("literal scope must cover itself")
	}
	if !scopeCovers("task-*", "task-42") {
		t.Fatal("glob scope must cover matching tasks")
	}
	if scopeCovers("task-*", "run-42") {
		t.Fatal("glob scope must not cover non-matching tasks")
	}
}
