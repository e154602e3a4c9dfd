package registry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// ScriptPrefix marks a function reference that runs a script file instead of
// a registered Go function, e.g. "script:jobs/cleanup.py".
const ScriptPrefix = "script:"

// Table maps stable job identifiers to job functions. It is built once at
// startup; lookups never import or load anything dynamically.
type Table struct {
	mu          sync.RWMutex
	funcs       map[string]JobFunc
	interpreter string
	workDir     string
}

// NewTable returns an empty table. Script references run with python3 unless
// SetInterpreter says otherwise.
func NewTable() *Table {
	return &Table{
		funcs:       make(map[string]JobFunc),
		interpreter: "python3",
	}
}

// SetInterpreter configures how script references are executed.
func (t *Table) SetInterpreter(interpreter, workDir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interpreter = interpreter
	t.workDir = workDir
}

// Register adds fn under id. Ids are unique and may not use the script prefix.
func (t *Table) Register(id string, fn JobFunc) error {
	if id == "" || strings.HasPrefix(id, ScriptPrefix) {
		return fmt.Errorf("invalid job id %q", id)
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.funcs[id]; exists {
		return fmt.Errorf("job %s is already registered", id)
	}
	t.funcs[id] = fn
	return nil
}

// Lookup resolves a function reference.
func (t *Table) Lookup(ref string) (JobFunc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if path, ok := strings.CutPrefix(ref, ScriptPrefix); ok {
		if path == "" {
			return nil, fmt.Errorf("%w: empty script reference", ErrUnknownJob)
		}
		return ScriptJob(t.interpreter, path, t.workDir), nil
	}
	fn, ok := t.funcs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, ref)
	}
	return fn, nil
}

// IDs returns the registered identifiers.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.funcs))
	for id := range t.funcs {
		ids = append(ids, id)
	}
	return ids
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Table{
		funcs:       make(map[string]JobFunc, len(t.funcs)),
		interpreter: t.interpreter,
		workDir:     t.workDir,
	}
	for id, fn := range t.funcs {
		c.funcs[id] = fn
	}
	return c
}

// ScriptJob returns a job that runs script with interpreter and streams its
// combined output into the run writer line by line.
func ScriptJob(interpreter, script, workDir string) JobFunc {
	return func(ctx context.Context, out io.Writer) error {
		cmd := exec.CommandContext(ctx, interpreter, script)
		cmd.Dir = workDir
		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw

		if err := cmd.Start(); err != nil {
			pw.Close()
			return fmt.Errorf("failed to start %s %s: %w", interpreter, script, err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			scanner := bufio.NewScanner(pr)
			for scanner.Scan() {
				fmt.Fprintln(out, scanner.Text())
			}
			io.Copy(io.Discard, pr)
		}()

		err := cmd.Wait()
		pw.Close()
		<-done
		if err != nil {
			return fmt.Errorf("script %s failed: %w", script, err)
		}
		return nil
	}
}
