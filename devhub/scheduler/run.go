package scheduler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/runlog"
)

// JobRun is the record of one execution, finalized when the run ends.
type JobRun struct {
	ID      string
	Def     manifest.ScheduleDefinition
	Start   time.Time
	End     time.Time
	Success bool
	Err     error
	Logs    []string
	NextRun time.Time // Zero when the run cancelled the series
}

func (r *JobRun) record() runlog.Run {
	rec := runlog.Run{
		ID:      r.ID,
		JobUID:  r.Def.UID,
		JobName: r.Def.Name,
		Start:   r.Start,
		Success: r.Success,
	}
	if !r.End.IsZero() {
		end := r.End
		rec.End = &end
		rec.Duration = r.End.Sub(r.Start).Seconds()
	}
	if !r.NextRun.IsZero() {
		next := r.NextRun
		rec.NextRun = &next
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// runSinks fans a run out to every configured sink. A sink that fails is
// dropped for the rest of the run.
type runSinks struct {
	ctx    context.Context
	logger *slog.Logger
	sinks  []runlog.Sink
}

func (rs *runSinks) each(op string, fn func(runlog.Sink) error) {
	kept := rs.sinks[:0]
	for _, sink := range rs.sinks {
		if err := fn(sink); err != nil {
			rs.logger.Warn("Run log sink failed, dropping it for this run", "op", op, "error", err)
			continue
		}
		kept = append(kept, sink)
	}
	rs.sinks = kept
}

func (rs *runSinks) create(run *JobRun) {
	rec := run.record()
	rs.each("create", func(s runlog.Sink) error { return s.CreateRun(rs.ctx, rec) })
}

func (rs *runSinks) append(runID string, line runlog.LogLine) {
	rs.each("append", func(s runlog.Sink) error { return s.AppendLog(rs.ctx, runID, line) })
}

func (rs *runSinks) finish(run *JobRun) {
	rec := run.record()
	rs.each("finish", func(s runlog.Sink) error { return s.FinishRun(rs.ctx, rec) })
}

// runWriter captures job output line by line into the run record, the log and
// the sinks.
type runWriter struct {
	mu      sync.Mutex
	partial []byte
	run     *JobRun
	sinks   *runSinks
	logger  *slog.Logger
	now     func() time.Time
}

func (w *runWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.partial[:i], "\r"))
		w.partial = w.partial[i+1:]
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits a trailing line that was not newline-terminated.
func (w *runWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *runWriter) emit(line string) {
	w.run.Logs = append(w.run.Logs, line)
	w.logger.Info("Job output", "output", line)
	w.sinks.append(w.run.ID, runlog.LogLine{Time: w.now(), Text: line})
}
