package processes

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// Sweeper kills leftover processes that have needle as one of their
// command-line arguments. It returns the pids it killed.
type Sweeper interface {
	Sweep(ctx context.Context, needle string) ([]int, error)
}

// ProcessTableSweeper scans the OS process table. It covers children a worker
// spawned that outlive the worker itself.
type ProcessTableSweeper struct{}

// Sweep implements Sweeper.
func (ProcessTableSweeper) Sweep(ctx context.Context, needle string) ([]int, error) {
	if needle == "" {
		return nil, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	var killed []int
	var errs []error
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !slices.Contains(args, needle) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		killed = append(killed, int(p.Pid))
	}
	return killed, errors.Join(errs...)
}

type noopSweeper struct{}

func (noopSweeper) Sweep(ctx context.Context, needle string) ([]int, error) {
	return nil, nil
}

// NoopSweeper disables the process-table sweep.
var NoopSweeper Sweeper = noopSweeper{}
