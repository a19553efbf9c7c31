package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

const replayPageSize = 500

// replayReport is the outcome of re-deriving one task's event chain.
type replayReport struct {
	TaskID     string      `json:"task_id"`
	Events     int         `json:"events"`
	Verified   bool        `json:"verified"`
	Divergence *divergence `json:"divergence,omitempty"`
}

// divergence pinpoints the first event whose stored record no longer
// matches what the kernel would have written.
type divergence struct {
	Seq      int64  `json:"seq"`
	EventID  string `json:"event_id,omitempty"`
	Reason   string `json:"reason"`
	Stored   string `json:"stored,omitempty"`
	Computed string `json:"computed,omitempty"`
}

// runReplayCmd implements `mandate replay`: walk a task's event chain in
// sequence order, recompute every payload hash, and verify the sequence is
// dense. The first divergence stops the walk; a divergent chain means the
// database was edited outside the kernel.
//
// Exit codes:
//
//	0 = chain verified
//	1 = divergence found
//	2 = usage or runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskID     string
		dataDir    string
		jsonOutput bool
	)
	cmd.StringVar(&taskID, "task", "", "task whose event chain to verify (REQUIRED)")
	cmd.StringVar(&dataDir, "data", defaultDataDir(), "data directory holding mandate.db")
	cmd.BoolVar(&jsonOutput, "json", false, "print the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if taskID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --task is required")
		return 2
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := store.OpenPath(filepath.Join(dataDir, "mandate.db"), logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	report, err := replayTask(ctx, eventlog.New(db, logger), taskID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		printReport(stdout, report)
	}

	if !report.Verified {
		return 1
	}
	return 0
}

// replayTask pages through the chain oldest-first. Every event must carry
// the next dense sequence number and a payload hash that re-derives from
// its stored payload.
func replayTask(ctx context.Context, events *eventlog.Log, taskID string) (*replayReport, error) {
	report := &replayReport{TaskID: taskID, Verified: true}

	var since int64
	for {
		batch, err := events.List(ctx, taskID, since, replayPageSize)
		if err != nil {
			return nil, err
		}
		for _, ev := range batch {
			report.Events++
			if ev.Seq != since+1 {
				report.Verified = false
				report.Divergence = &divergence{
					Seq:     ev.Seq,
					EventID: ev.ID,
					Reason:  fmt.Sprintf("sequence gap: want %d, have %d", since+1, ev.Seq),
				}
				return report, nil
			}
			since = ev.Seq

			computed, err := canonicalize.CanonicalHash(ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", ev.ID, err)
			}
			if computed != ev.PayloadHash {
				report.Verified = false
				report.Divergence = &divergence{
					Seq:      ev.Seq,
					EventID:  ev.ID,
					Reason:   "payload hash mismatch",
					Stored:   ev.PayloadHash,
					Computed: computed,
				}
				return report, nil
			}
		}
		if len(batch) < replayPageSize {
			break
		}
	}

	if report.Events == 0 {
		return nil, fmt.Errorf("task %s has no events", taskID)
	}
	return report, nil
}

func printReport(w io.Writer, report *replayReport) {
	if report.Verified {
		fmt.Fprintf(w, "%stask %s: %d events verified%s\n",
			ColorGreen, report.TaskID, report.Events, ColorReset)
		return
	}
	d := report.Divergence
	fmt.Fprintf(w, "%stask %s: divergence at seq %d (%s)%s\n",
		ColorRed, report.TaskID, d.Seq, d.Reason, ColorReset)
	if d.Stored != "" {
		fmt.Fprintf(w, "  stored:   %s\n", d.Stored)
		fmt.Fprintf(w, "  computed: %s\n", d.Computed)
	}
}
