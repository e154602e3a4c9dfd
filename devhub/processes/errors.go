package processes

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotRunning is returned when an app has no ready process.
var ErrNotRunning = errors.New("worker is not running")

// StartFailure is returned when a worker fails its readiness check. Stderr
// holds the tail of what the worker wrote before it was killed.
type StartFailure struct {
	App    string
	PID    int
	Stderr string
	Err    error
}

func (e *StartFailure) Error() string {
	msg := fmt.Sprintf("worker %s failed to start: %v", e.App, e.Err)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += "\n" + stderr
	}
	return msg
}

func (e *StartFailure) Unwrap() error {
	return e.Err
}
