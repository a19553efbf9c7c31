package governance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// policyPack is the on-disk shape of a policy bundle.
type policyPack struct {
	Policies []contracts.Policy `yaml:"policies"`
}

// LoadDir loads every .yaml/.yml policy pack under dir and returns how
// many policies it applied. A missing directory is not an error; policy
// packs are optional.
func (e *Engine) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("governance: read policy dir %s: %w", dir, err)
	}

	applied := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		n, err := e.LoadFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			return applied, fmt.Errorf("governance: pack %s: %w", entry.Name(), err)
		}
		applied += n
	}
	if applied > 0 {
		e.log.Info("policy packs loaded", "dir", dir, "policies", applied)
	}
	return applied, nil
}

// LoadFile applies one policy pack. Reloading is idempotent: a version
// already stored with identical rules is skipped, while a version reusing
// the number with different rules is refused. Versions marked active in
// the pack are activated; others stay staged.
func (e *Engine) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pack: %w", err)
	}
	var pack policyPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return 0, fmt.Errorf("parse pack: %w", err)
	}
	if len(pack.Policies) == 0 {
		return 0, fmt.Errorf("pack declares no policies")
	}

	applied := 0
	for i := range pack.Policies {
		p := &pack.Policies[i]
		stored, err := e.Policy(ctx, p.ID, p.Version)
		switch {
		case err == nil:
			if !reflect.DeepEqual(stored.Rules, p.Rules) {
				return applied, fmt.Errorf("policy %s v%d already exists with different rules", p.ID, p.Version)
			}
		case errors.Is(err, store.ErrNotFound):
			if err := e.SavePolicy(ctx, p); err != nil {
				return applied, err
			}
			applied++
		default:
			return applied, err
		}
		if p.Active {
			if err := e.Activate(ctx, p.ID, p.Version); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}
