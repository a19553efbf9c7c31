package contracts

import "time"

// Verdict is the outcome of a guardian review.
type Verdict string

// Guardian verdicts. Only PASS permits a task to reach succeeded.
const (
	VerdictPass        Verdict = "PASS"
	VerdictFail        Verdict = "FAIL"
	VerdictNeedsReview Verdict = "NEEDS_REVIEW"
)

// VerdictCheck is one named check inside a verdict.
type VerdictCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// VerdictRecord is the immutable result of one guardian review.
type VerdictRecord struct {
	ID          string         `json:"verdict_id"`
	TaskID      string         `json:"task_id"`
	Verdict     Verdict        `json:"verdict"`
	Verifier    string         `json:"verifier"`
	Summary     string         `json:"summary,omitempty"`
	Checks      []VerdictCheck `json:"checks,omitempty"`
	EvidenceIDs []string       `json:"evidence_ids,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
