// Package runlog records job runs: a local sqlite history and a remote HTTP
// sink keyed by run id.
package runlog

import (
	"context"
	"time"
)

// Run is the record of one job execution.
type Run struct {
	ID       string     `json:"run_id"`
	JobUID   string     `json:"job_uid"`
	JobName  string     `json:"job_name"`
	Start    time.Time  `json:"start_time"`
	End      *time.Time `json:"end_time,omitempty"`
	NextRun  *time.Time `json:"next_run_time,omitempty"` // Unset when the series was cancelled
	Duration float64    `json:"duration_seconds"`
	Success  bool       `json:"success"`
	Error    string     `json:"error,omitempty"`
}

// LogLine is one line of job output.
type LogLine struct {
	Time time.Time `json:"timestamp"`
	Text string    `json:"text"`
}

// Sink receives run records. Implementations report failures, but callers
// treat every failure as non-fatal to the job.
type Sink interface {
	CreateRun(ctx context.Context, run Run) error
	AppendLog(ctx context.Context, runID string, line LogLine) error
	FinishRun(ctx context.Context, run Run) error
}
