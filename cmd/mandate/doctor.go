package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/mandatehq/mandate/pkg/config"
	"github.com/mandatehq/mandate/pkg/store"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `mandate doctor` — configuration and database
// health check.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	var results []checkResult
	allOK := true

	// Check 1: Go runtime
	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	// Check 2: environment configuration
	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{
			Name:   "config",
			Status: "fail",
			Detail: err.Error(),
		})
		allOK = false
	} else {
		results = append(results, checkResult{
			Name:   "config",
			Status: "ok",
			Detail: fmt.Sprintf("mode=%s lease_ttl=%s", cfg.AutonomousMode, cfg.LeaseTTL),
		})
	}

	if cfg != nil {
		// Check 3: data directory
		if _, err := os.Stat(cfg.DataDir); err != nil {
			results = append(results, checkResult{
				Name:   "data_dir",
				Status: "warn",
				Detail: fmt.Sprintf("%s does not exist (created at first boot)", cfg.DataDir),
			})
		} else {
			results = append(results, checkResult{
				Name:   "data_dir",
				Status: "ok",
				Detail: cfg.DataDir,
			})
		}

		// Check 4: database and schema version
		if _, err := os.Stat(cfg.DatabasePath()); err != nil {
			results = append(results, checkResult{
				Name:   "database",
				Status: "warn",
				Detail: "no database yet (created at first boot)",
			})
		} else if v, err := schemaVersion(cfg.DatabasePath()); err != nil {
			results = append(results, checkResult{
				Name:   "database",
				Status: "fail",
				Detail: err.Error(),
			})
			allOK = false
		} else {
			results = append(results, checkResult{
				Name:   "database",
				Status: "ok",
				Detail: fmt.Sprintf("schema v%d", v),
			})
		}

		// Check 5: policy packs
		results = append(results, countCheck("policies", cfg.PoliciesDir(), ".yaml", ".yml"))

		// Check 6: sandboxed tool modules
		results = append(results, countCheck("modules", cfg.ModulesDir(), ".wasm"))

		// Check 7: admin token
		if cfg.AdminToken == "" {
			results = append(results, checkResult{
				Name:   "admin_token",
				Status: "warn",
				Detail: "ADMIN_TOKEN not set (admin endpoints unreachable)",
			})
		} else {
			results = append(results, checkResult{
				Name:   "admin_token",
				Status: "ok",
				Detail: "set",
			})
		}
	}

	// Print results
	fmt.Fprintf(stdout, "\n%sMandate Doctor%s\n", ColorBold+ColorPurple, ColorReset)
	fmt.Fprintln(stdout, "──────────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "  %s  %-12s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed. The kernel is ready to serve.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}

// schemaVersion opens an existing database and reads its migration level.
// WAL mode keeps this safe alongside a running kernel.
func schemaVersion(path string) (int, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenPath(path, logger)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()
	return db.SchemaVersion(context.Background())
}

// countCheck reports how many files with one of the given extensions sit
// under dir. Empty or missing directories are a warning, not a failure;
// both policies and modules are optional installs.
func countCheck(name, dir string, exts ...string) checkResult {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return checkResult{Name: name, Status: "warn", Detail: "none installed"}
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, ext := range exts {
			if filepath.Ext(entry.Name()) == ext {
				n++
				break
			}
		}
	}
	if n == 0 {
		return checkResult{Name: name, Status: "warn", Detail: "none installed"}
	}
	return checkResult{Name: name, Status: "ok", Detail: fmt.Sprintf("%d installed", n)}
}
