package processes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/devhub/devhub/manifest"
)

func TestCommandLauncherDefaultArgs(t *testing.T) {
	l := &CommandLauncher{Template: DefaultWorkerCommand, WorkDir: "/src"}
	app := manifest.WorkerApp{UID: "u1", Route: "/sales/", Name: "Sales", Script: "/src/pages/sales.py", Port: 8502}

	assert.Equal(t, []string{
		"streamlit", "run", "/src/pages/sales.py",
		"--server.port", "8502",
		"--server.headless", "true",
		"--browser.gatherUsageStats", "false",
	}, l.Args(app))

	cmd, err := l.Command(app)
	require.NoError(t, err)
	assert.Equal(t, "/src", cmd.Dir)
	assert.Contains(t, cmd.Env, "PORT=8502")
	assert.Contains(t, cmd.Env, "DEVHUB_APP_ROUTE=/sales/")
	assert.Contains(t, cmd.Env, "DEVHUB_APP_UID=u1")
}

func TestCommandLauncherEmptyTemplate(t *testing.T) {
	_, err := (&CommandLauncher{}).Command(manifest.WorkerApp{})
	assert.Error(t, err)
}
