package scheduler

import (
	"fmt"
	"time"

	"github.com/tomyedwab/devhub/devhub/manifest"
)

// NextRun returns the run time that follows a slot scheduled at last.
//
// This is last plus interval, where last is the slot the run was due at. It
// is not the completion time plus interval, and not now plus interval: a run
// that starts late or takes long does not shift later runs, so the series
// stays on its original grid. A run that ends after its next slot is
// followed at once by that slot's run, or cancels the series when it ends
// more than a full interval past it (see Overdue).
func NextRun(last time.Time, interval time.Duration) time.Time {
	return last.Add(interval)
}

// JobInstance is the run-state of one schedule.
//
//	Idle -> Due -> Running -> Idle (rescheduled)
//	                       -> Cancelled (terminal)
type JobInstance struct {
	Def          manifest.ScheduleDefinition
	LastRun      time.Time
	NextRun      time.Time
	Cancelled    bool
	CancelReason string
	Runs         int
	Failures     int

	running bool
	force   bool         // Run on the first tick after load regardless of NextRun
	seq     int          // Insertion order, breaks NextRun ties
	after   *JobInstance // Replaced instance whose run is still in flight
}

func newJobInstance(def manifest.ScheduleDefinition, now time.Time, seq int) *JobInstance {
	j := &JobInstance{Def: def, seq: seq}
	if def.RunImmediately {
		j.NextRun = now
		j.force = true
	} else {
		j.NextRun = NextRun(now, def.Interval())
	}
	return j
}

// Due reports whether the instance should run at now. An instance with a run
// in flight is never due; the slot is skipped rather than queued.
func (j *JobInstance) Due(now time.Time) bool {
	return !j.Cancelled && !j.running && !now.Before(j.NextRun)
}

// Overdue reports whether the slot scheduled at next has fallen more than one
// full interval behind now.
func (j *JobInstance) Overdue(next, now time.Time) bool {
	return now.Sub(next) > j.Def.Interval()
}

// Result is the outcome of one run: continue the series at a time, or cancel it.
type Result struct {
	next   time.Time
	cancel bool
	reason string
}

// Continue reschedules the series at next.
func Continue(next time.Time) Result {
	return Result{next: next}
}

// Cancel ends the series.
func Cancel(reason string) Result {
	return Result{cancel: true, reason: reason}
}

// Cancelled reports whether the result ends the series.
func (r Result) Cancelled() bool { return r.cancel }

// Next returns the next run time of a Continue result.
func (r Result) Next() time.Time { return r.next }

// Reason returns why a Cancel result ended the series.
func (r Result) Reason() string { return r.reason }

func (r Result) String() string {
	if r.cancel {
		return fmt.Sprintf("Cancel(%s)", r.reason)
	}
	return fmt.Sprintf("Continue(%s)", r.next.Format(time.RFC3339))
}

// JobExecutionError is a failed run. It never propagates past the scheduler;
// it is logged and recorded on the run.
type JobExecutionError struct {
	Job   string
	RunID string
	Err   error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s run %s failed: %v", e.Job, e.RunID, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

// JobStatus is a read-only view of a JobInstance.
type JobStatus struct {
	UID             string     `json:"uid"`
	Name            string     `json:"name"`
	Function        string     `json:"function"`
	Seconds         int        `json:"seconds"`
	CancelOnFailure bool       `json:"cancel_on_failure"`
	RunImmediately  bool       `json:"run_immediately"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	Running         bool       `json:"running"`
	Cancelled       bool       `json:"cancelled"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	Runs            int        `json:"runs"`
	Failures        int        `json:"failures"`
}

func (j *JobInstance) status() JobStatus {
	st := JobStatus{
		UID:             j.Def.UID,
		Name:            j.Def.Name,
		Function:        j.Def.Function,
		Seconds:         j.Def.Seconds,
		CancelOnFailure: j.Def.CancelOnFailure,
		RunImmediately:  j.Def.RunImmediately,
		Running:         j.running || (j.after != nil && j.after.running),
		Cancelled:       j.Cancelled,
		CancelReason:    j.CancelReason,
		Runs:            j.Runs,
		Failures:        j.Failures,
	}
	if !j.LastRun.IsZero() {
		last := j.LastRun
		st.LastRun = &last
	}
	if !j.Cancelled {
		next := j.NextRun
		st.NextRun = &next
	}
	return st
}
