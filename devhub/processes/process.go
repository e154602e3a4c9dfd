package processes

import (
	"os/exec"
	"sync"
	"time"

	"github.com/tomyedwab/devhub/devhub/manifest"
)

// ProcessLogEntry represents a single line of output from a worker process
type ProcessLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer maintains a circular buffer of recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []ProcessLogEntry
	capacity int
	nextID   int64
}

// NewLogBuffer creates a new log buffer with the specified capacity
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries:  make([]ProcessLogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// AddEntry adds a new log entry to the buffer
func (lb *LogBuffer) AddEntry(source, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	entry := ProcessLogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		PID:       pid,
	}

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.nextID++
}

// GetEntriesFromID returns all log entries with ID greater than the specified ID
func (lb *LogBuffer) GetEntriesFromID(fromID int64) []ProcessLogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]ProcessLogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// GetLatestEntries returns the most recent N log entries
func (lb *LogBuffer) GetLatestEntries(count int) []ProcessLogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []ProcessLogEntry{}
	}

	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}

	result := make([]ProcessLogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// ProcessState represents the lifecycle state of a worker process.
type ProcessState int

const (
	// StateStarting means the process was launched and has not printed its ready marker yet.
	StateStarting ProcessState = iota
	// StateRunning means the process reported ready and is serving.
	StateRunning
	// StateStopping means a termination signal has been sent.
	StateStopping
	// StateStopped means the process exited after being stopped.
	StateStopped
	// StateFailed means the process failed its readiness check or exited on its own.
	StateFailed
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// WorkerProcess is the handle of one running worker. It is owned by the
// Supervisor and holds the snapshot of the app it was launched for.
type WorkerProcess struct {
	App       manifest.WorkerApp
	Cmd       *exec.Cmd
	LogBuffer *LogBuffer

	mu        sync.Mutex
	pid       int
	state     ProcessState
	startTime time.Time
	exited    chan struct{}
	exitErr   error
}

func newWorkerProcess(app manifest.WorkerApp, cmd *exec.Cmd) *WorkerProcess {
	return &WorkerProcess{
		App:       app,
		Cmd:       cmd,
		LogBuffer: NewLogBuffer(1000),
		state:     StateStarting,
		startTime: time.Now(),
		exited:    make(chan struct{}),
	}
}

// Pid returns the OS process id, or 0 before the process is launched.
func (wp *WorkerProcess) Pid() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.pid
}

func (wp *WorkerProcess) setPid(pid int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.pid = pid
}

// State returns the current process state thread-safely.
func (wp *WorkerProcess) State() ProcessState {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.state
}

func (wp *WorkerProcess) setState(state ProcessState) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.state = state
}

// Exited is closed once the OS process has been reaped.
func (wp *WorkerProcess) Exited() <-chan struct{} {
	return wp.exited
}

// ExitErr returns the error from Wait; only meaningful after Exited is closed.
func (wp *WorkerProcess) ExitErr() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.exitErr
}

// Uptime returns how long ago the process was launched.
func (wp *WorkerProcess) Uptime() time.Duration {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return time.Since(wp.startTime)
}

func (wp *WorkerProcess) markExited(err error) {
	wp.mu.Lock()
	wp.exitErr = err
	switch wp.state {
	case StateStopping, StateStopped:
		wp.state = StateStopped
	default:
		wp.state = StateFailed
	}
	wp.mu.Unlock()
	close(wp.exited)
}

// Status is a read-only view of a worker process.
type Status struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Route  string `json:"route"`
	Port   int    `json:"port"`
	PID    int    `json:"pid"`
	State  string `json:"state"`
	Uptime string `json:"uptime"`
}

// Status returns a snapshot of the process.
func (wp *WorkerProcess) Status() Status {
	return Status{
		UID:    wp.App.UID,
		Name:   wp.App.Name,
		Route:  wp.App.Route,
		Port:   wp.App.Port,
		PID:    wp.Pid(),
		State:  wp.State().String(),
		Uptime: wp.Uptime().Round(time.Second).String(),
	}
}
