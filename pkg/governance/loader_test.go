package governance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mandatehq/mandate/pkg/contracts"
)

const basePack = `
policies:
  - id: baseline
    version: 1
    name: Baseline guardrails
    active: true
    rules:
      - id: deny-critical
        name: Deny critical composites
        priority: 10
        action: DENY
        condition:
          kind: threshold
          field: composite
          op: ">="
          value: 90
      - id: warn-high
        name: Warn on high composites
        priority: 20
        action: WARN
        condition:
          kind: threshold
          field: composite
          op: ">="
          value: 70
  - id: staged
    version: 1
    name: Staged rollout candidate
    rules:
      - id: escalate-external
        name: Escalate external calls
        priority: 10
        action: ESCALATE
        condition:
          kind: expr
          expr: risk.external_call >= 0.5
`

func writePack(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write pack %s: %v", name, err)
	}
	return path
}

func TestLoadDirAppliesPacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()

	writePack(t, dir, "10-base.yaml", basePack)
	writePack(t, dir, "20-spend.yml", `
policies:
  - id: spend
    version: 1
    name: Spending caps
    active: true
    rules:
      - id: cap-cost
        name: Cap estimated spend
        priority: 10
        action: DENY
        condition:
          kind: threshold
          field: cost.cost_usd
          op: ">"
          value: 25
`)
	writePack(t, dir, "notes.txt", "not a pack")
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	applied, err := env.eng.LoadDir(ctx, dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if applied != 3 {
		t.Fatalf("applied = %d, want 3 policies", applied)
	}

	active, err := env.eng.ActivePolicies(ctx)
	if err != nil {
		t.Fatalf("active policies: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want baseline and spend only", len(active))
	}
	for _, p := range active {
		if p.ID == "staged" {
			t.Fatal("staged policy should not be active")
		}
	}

	staged, err := env.eng.Policy(ctx, "staged", 1)
	if err != nil {
		t.Fatalf("staged policy should be stored: %v", err)
	}
	if staged.Active {
		t.Fatal("staged policy should be inactive")
	}
}

func TestLoadDirIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()
	writePack(t, dir, "base.yaml", basePack)

	if _, err := env.eng.LoadDir(ctx, dir); err != nil {
		t.Fatalf("first load: %v", err)
	}
	applied, err := env.eng.LoadDir(ctx, dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if applied != 0 {
		t.Fatalf("reload applied = %d, want 0", applied)
	}
	active, err := env.eng.ActivePolicies(ctx)
	if err != nil {
		t.Fatalf("active policies: %v", err)
	}
	if len(active) != 1 || active[0].ID != "baseline" {
		t.Fatalf("active = %+v, want baseline", active)
	}
}

func TestLoadFileRejectsRuleDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()
	writePack(t, dir, "base.yaml", basePack)
	if _, err := env.eng.LoadDir(ctx, dir); err != nil {
		t.Fatalf("load: %v", err)
	}

	drifted := strings.Replace(basePack, "value: 90", "value: 95", 1)
	path := writePack(t, dir, "drift.yaml", drifted)
	if _, err := env.eng.LoadFile(ctx, path); err == nil || !strings.Contains(err.Error(), "different rules") {
		t.Fatalf("reusing a version with different rules: got %v", err)
	}
}

func TestLoadFileActivatesNewVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()
	writePack(t, dir, "base.yaml", basePack)
	if _, err := env.eng.LoadDir(ctx, dir); err != nil {
		t.Fatalf("load: %v", err)
	}

	v2 := writePack(t, dir, "base-v2.yaml", `
policies:
  - id: baseline
    version: 2
    name: Baseline guardrails
    active: true
    rules:
      - id: deny-critical
        name: Deny critical composites
        priority: 10
        action: DENY
        condition:
          kind: threshold
          field: composite
          op: ">="
          value: 85
`)
	if _, err := env.eng.LoadFile(ctx, v2); err != nil {
		t.Fatalf("load v2: %v", err)
	}

	active, err := env.eng.ActivePolicies(ctx)
	if err != nil {
		t.Fatalf("active policies: %v", err)
	}
	var baseline *contracts.Policy
	for _, p := range active {
		if p.ID == "baseline" {
			baseline = p
		}
	}
	if baseline == nil || baseline.Version != 2 {
		t.Fatalf("baseline active version = %+v, want v2", baseline)
	}
}

func TestLoadDirToleratesMissingDir(t *testing.T) {
	env := newTestEnv(t)
	applied, err := env.eng.LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0", applied)
	}
}

func TestLoadFileRejectsEmptyPack(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	path := writePack(t, dir, "empty.yaml", "policies: []\n")
	if _, err := env.eng.LoadFile(context.Background(), path); err == nil {
		t.Fatal("empty pack should be rejected")
	}
}
