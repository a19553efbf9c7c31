// Package capability is the gate every privileged operation passes
// through: a versioned registry of capability definitions, per-agent
// profiles and grants, and the authorizer that decides each invocation.
package capability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/schema"
	"github.com/mandatehq/mandate/pkg/store"
)

const (
	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute
)

// Registry stores capability definitions, agent profiles and grants.
// Lookups read through an in-process cache that grant and profile writes
// invalidate.
type Registry struct {
	db      *store.DB
	schemas *schema.Registry
	cache   *gocache.Cache
	log     *slog.Logger
}

// NewRegistry returns a Registry over db. schemas may be nil to skip
// definition validation (tests).
func NewRegistry(db *store.DB, schemas *schema.Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:      db,
		schemas: schemas,
		cache:   gocache.New(cacheTTL, cacheCleanup),
		log:     logger.With("component", "capability"),
	}
}

// Register adds one immutable (capability_id, version) definition.
func (r *Registry) Register(ctx context.Context, def *contracts.CapabilityDefinition) error {
	if _, err := semver.NewVersion(def.Version); err != nil {
		return fmt.Errorf("capability: version %q: %w", def.Version, err)
	}
	if !contracts.ValidDomain(def.Domain) {
		return fmt.Errorf("capability: unknown domain %q", def.Domain)
	}
	if def.Level.Rank() == 0 && def.Level != contracts.LevelNone {
		return fmt.Errorf("capability: unknown level %q", def.Level)
	}
	if r.schemas != nil {
		if err := r.schemas.Validate("capability_definition", definitionView(def)); err != nil {
			return err
		}
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	effects, err := store.JSONText(def.SideEffects)
	if err != nil {
		return err
	}
	err = r.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO capability_definitions (capability_id, version, domain, level, description, side_effects_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			def.ID, def.Version, string(def.Domain), string(def.Level),
			def.Description, effects, store.TimeText(def.CreatedAt))
		if err != nil {
			return fmt.Errorf("capability: register %s@%s: %w", def.ID, def.Version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.cache.Delete("cap:" + def.ID)
	return nil
}

// Resolve returns the highest-versioned definition of a capability.
func (r *Registry) Resolve(ctx context.Context, capabilityID string) (*contracts.CapabilityDefinition, error) {
	if v, ok := r.cache.Get("cap:" + capabilityID); ok {
		return v.(*contracts.CapabilityDefinition), nil
	}
	defs, err := r.Versions(ctx, capabilityID)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, store.ErrNotFound
	}
	latest := defs[len(defs)-1]
	r.cache.Set("cap:"+capabilityID, latest, gocache.DefaultExpiration)
	return latest, nil
}

// Versions returns every definition of a capability in ascending semver
// order.
func (r *Registry) Versions(ctx context.Context, capabilityID string) ([]*contracts.CapabilityDefinition, error) {
	rows, err := r.db.Read().QueryContext(ctx, `
		SELECT capability_id, version, domain, level, description, side_effects_json, created_at
		FROM capability_definitions WHERE capability_id = ?`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("capability: versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*contracts.CapabilityDefinition
	for rows.Next() {
		var (
			def     contracts.CapabilityDefinition
			domain  string
			level   string
			effects sql.NullString
			created string
		)
		if err := rows.Scan(&def.ID, &def.Version, &domain, &level,
			&def.Description, &effects, &created); err != nil {
			return nil, fmt.Errorf("capability: scan definition: %w", err)
		}
		def.Domain = contracts.Domain(domain)
		def.Level = contracts.Level(level)
		if err := store.ScanJSON(effects, &def.SideEffects); err != nil {
			return nil, err
		}
		if def.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(defs, func(i, j int) bool {
		vi := semver.MustParse(defs[i].Version)
		vj := semver.MustParse(defs[j].Version)
		return vi.LessThan(vj)
	})
	return defs, nil
}

// UpsertProfile creates or replaces an agent profile.
func (r *Registry) UpsertProfile(ctx context.Context, p *contracts.AgentProfile) error {
	if p.Tier < 0 || p.Tier > 3 {
		return fmt.Errorf("capability: tier %d out of range", p.Tier)
	}
	switch p.EscalationPolicy {
	case contracts.EscalateDeny, contracts.EscalateRequestApproval,
		contracts.EscalateTemporaryGrant, contracts.EscalateLogOnly:
	default:
		return fmt.Errorf("capability: unknown escalation policy %q", p.EscalationPolicy)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	allowed, err := store.JSONText(p.AllowedCapabilities)
	if err != nil {
		return err
	}
	forbidden, err := store.JSONText(p.ForbiddenCapabilities)
	if err != nil {
		return err
	}
	err = r.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_profiles (agent_id, tier, allowed_json, forbidden_json, escalation_policy, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (agent_id) DO UPDATE
			SET tier = excluded.tier, allowed_json = excluded.allowed_json,
			    forbidden_json = excluded.forbidden_json,
			    escalation_policy = excluded.escalation_policy,
			    updated_at = excluded.updated_at`,
			p.AgentID, p.Tier, allowed, forbidden, string(p.EscalationPolicy),
			store.TimeText(p.CreatedAt), store.TimeText(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("capability: upsert profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.cache.Delete("profile:" + p.AgentID)
	return nil
}

// Profile returns an agent's profile.
func (r *Registry) Profile(ctx context.Context, agentID string) (*contracts.AgentProfile, error) {
	if v, ok := r.cache.Get("profile:" + agentID); ok {
		return v.(*contracts.AgentProfile), nil
	}

	var (
		p         contracts.AgentProfile
		allowed   sql.NullString
		forbidden sql.NullString
		policy    string
		created   string
		updated   string
	)
	row := r.db.Read().QueryRowContext(ctx, `
		SELECT agent_id, tier, allowed_json, forbidden_json, escalation_policy, created_at, updated_at
		FROM agent_profiles WHERE agent_id = ?`, agentID)
	err := row.Scan(&p.AgentID, &p.Tier, &allowed, &forbidden, &policy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("capability: scan profile: %w", err)
	}
	p.EscalationPolicy = contracts.EscalationPolicy(policy)
	if err := store.ScanJSON(allowed, &p.AllowedCapabilities); err != nil {
		return nil, err
	}
	if err := store.ScanJSON(forbidden, &p.ForbiddenCapabilities); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}

	r.cache.Set("profile:"+agentID, &p, gocache.DefaultExpiration)
	return &p, nil
}

// Grant issues a capability grant to an agent.
func (r *Registry) Grant(ctx context.Context, g *contracts.Grant) error {
	if g.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("capability: grant id: %w", err)
		}
		g.ID = id.String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	err := r.db.Write(ctx, func(tx *sql.Tx) error {
		return r.GrantTx(ctx, tx, g)
	})
	if err != nil {
		return err
	}
	r.invalidateAgent(g.AgentID)
	return nil
}

// GrantTx is the composable form of Grant; the caller must invalidate via
// InvalidateAgent after commit.
func (r *Registry) GrantTx(ctx context.Context, tx *sql.Tx, g *contracts.Grant) error {
	if g.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("capability: grant id: %w", err)
		}
		g.ID = id.String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO capability_grants (grant_id, agent_id, capability_id, level, scope, granted_by, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.AgentID, g.CapabilityID, string(g.Level), store.NullStr(g.Scope),
		g.GrantedBy, store.NullTimeText(g.ExpiresAt), store.TimeText(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("capability: insert grant: %w", err)
	}
	return nil
}

// Revoke marks a grant revoked. Revocation is permanent.
func (r *Registry) Revoke(ctx context.Context, grantID, revokedBy string) error {
	var agentID string
	err := r.db.Write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE capability_grants
			SET revoked_at = ?, revoked_by = ?
			WHERE grant_id = ? AND revoked_at IS NULL
			RETURNING agent_id`,
			store.TimeText(time.Now()), revokedBy, grantID)
		if err := row.Scan(&agentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrConflict
			}
			return fmt.Errorf("capability: revoke grant: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.invalidateAgent(agentID)
	return nil
}

// ActiveGrant returns the strongest live grant the agent holds on a
// capability, or nil when none exists. A grant with a scope only applies
// when the scope equals or glob-matches the calling task.
func (r *Registry) ActiveGrant(ctx context.Context, agentID, capabilityID, taskID string, now time.Time) (*contracts.Grant, error) {
	rows, err := r.db.Read().QueryContext(ctx, `
		SELECT grant_id, agent_id, capability_id, level, scope, granted_by, expires_at, revoked_at, created_at
		FROM capability_grants
		WHERE agent_id = ? AND capability_id = ? AND revoked_at IS NULL`,
		agentID, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("capability: active grant: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var best *contracts.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		if !g.Active(now) || !scopeCovers(g.Scope, taskID) {
			continue
		}
		if best == nil || g.Level.Rank() > best.Level.Rank() {
			best = g
		}
	}
	return best, rows.Err()
}

// scopeCovers reports whether a grant scope admits the given task. Empty
// scope means unscoped.
func scopeCovers(scope, taskID string) bool {
	if scope == "" {
		return true
	}
	if scope == taskID {
		return true
	}
	ok, err := path.Match(scope, taskID)
	return err == nil && ok
}

// RevokeCount returns how many of an agent's grants were ever revoked.
// The risk scorer reads this dimension.
func (r *Registry) RevokeCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.db.Read().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM capability_grants
		WHERE agent_id = ? AND revoked_at IS NOT NULL`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("capability: revoke count: %w", err)
	}
	return n, nil
}

// InvalidateAgent drops cached lookups for an agent after an external
// grant mutation.
func (r *Registry) InvalidateAgent(agentID string) {
	r.invalidateAgent(agentID)
}

func (r *Registry) invalidateAgent(agentID string) {
	r.cache.Delete("profile:" + agentID)
}

// definitionView shapes a definition for schema validation.
func definitionView(def *contracts.CapabilityDefinition) map[string]any {
	view := map[string]any{
		"capability_id": def.ID,
		"version":       def.Version,
		"domain":        string(def.Domain),
		"level":         string(def.Level),
	}
	if def.Description != "" {
		view["description"] = def.Description
	}
	if len(def.SideEffects) > 0 {
		effects := make([]any, 0, len(def.SideEffects))
		for _, e := range def.SideEffects {
			effects = append(effects, map[string]any{
				"type": e.Type, "target": e.Target, "reversible": e.Reversible,
			})
		}
		view["side_effects"] = effects
	}
	return view
}

func scanGrant(rows *sql.Rows) (*contracts.Grant, error) {
	var (
		g       contracts.Grant
		level   string
		scope   sql.NullString
		expires sql.NullString
		revoked sql.NullString
		created string
	)
	err := rows.Scan(&g.ID, &g.AgentID, &g.CapabilityID, &level, &scope,
		&g.GrantedBy, &expires, &revoked, &created)
	if err != nil {
		return nil, fmt.Errorf("capability: scan grant: %w", err)
	}
	g.Level = contracts.Level(level)
	g.Scope = scope.String
	if g.ExpiresAt, err = store.ParseNullTime(expires); err != nil {
		return nil, err
	}
	if g.RevokedAt, err = store.ParseNullTime(revoked); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	return &g, nil
}
