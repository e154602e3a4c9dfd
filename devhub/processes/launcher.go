package processes

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tomyedwab/devhub/devhub/manifest"
)

// Launcher turns a WorkerApp into the command that serves it.
type Launcher interface {
	Command(app manifest.WorkerApp) (*exec.Cmd, error)
}

// CommandLauncher builds commands from an argument template. The placeholders
// {script}, {port}, {route} and {name} are substituted per app, so the same
// app always gets the same argument list.
type CommandLauncher struct {
	Template []string
	WorkDir  string
	Env      []string
}

// DefaultWorkerCommand runs a Streamlit entrypoint headless on a fixed port.
var DefaultWorkerCommand = []string{
	"streamlit", "run", "{script}",
	"--server.port", "{port}",
	"--server.headless", "true",
	"--browser.gatherUsageStats", "false",
}

// Args returns the expanded argument list for app, including the executable.
func (l *CommandLauncher) Args(app manifest.WorkerApp) []string {
	replacer := strings.NewReplacer(
		"{script}", app.Script,
		"{port}", strconv.Itoa(app.Port),
		"{route}", app.Route,
		"{name}", app.Name,
	)
	args := make([]string, len(l.Template))
	for i, arg := range l.Template {
		args[i] = replacer.Replace(arg)
	}
	return args
}

// Command implements Launcher.
func (l *CommandLauncher) Command(app manifest.WorkerApp) (*exec.Cmd, error) {
	if len(l.Template) == 0 {
		return nil, fmt.Errorf("empty worker command template")
	}
	args := l.Args(app)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = l.WorkDir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("DEVHUB_APP_UID=%s", app.UID),
		fmt.Sprintf("DEVHUB_APP_ROUTE=%s", app.Route),
		fmt.Sprintf("PORT=%d", app.Port),
	)
	return cmd, nil
}
