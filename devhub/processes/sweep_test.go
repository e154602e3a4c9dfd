package processes

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopingWorker = `while true; do sleep 0.1; done
`

func startLoop(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	require.NoError(t, os.WriteFile(script, []byte(loopingWorker), 0644))
	cmd := exec.Command("/bin/sh", script)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func TestProcessTableSweeperMatchesWholeArguments(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "a.sh")
	target := startLoop(t, script)
	// Shares the script path as a prefix but is a different argument.
	bystander := startLoop(t, script+".orig")

	killed, err := ProcessTableSweeper{}.Sweep(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, []int{target.Process.Pid}, killed)

	assert.Error(t, target.Wait())
	assert.NoError(t, bystander.Process.Signal(syscall.Signal(0)))
}

func TestProcessTableSweeperIgnoresEmptyNeedle(t *testing.T) {
	killed, err := ProcessTableSweeper{}.Sweep(context.Background(), "")
	assert.NoError(t, err)
	assert.Empty(t, killed)
}
