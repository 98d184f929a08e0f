package runnerproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 10*time.Second, cfg.GracefulKillTimeout)
	require.Equal(t, 5*time.Second, cfg.PortFreeTimeout)
	require.Equal(t, 5*time.Minute, cfg.BuildTimeout)
}

func TestBuildCmdDirectMode(t *testing.T) {
	cfg := Config{Mode: ModeDirect, ExecutablePath: "/bin/echo", Args: []string{"hi"}}
	cmd := cfg.BuildCmd()
	require.Equal(t, "/bin/echo", cmd.Path)
	require.Equal(t, []string{"/bin/echo", "hi"}, cmd.Args)
}

func TestBuildCmdShellDevMode(t *testing.T) {
	cfg := Config{Mode: ModeShellDev, DevCommand: "npm run dev"}
	cmd := cfg.BuildCmd()
	require.Equal(t, "/bin/sh", cmd.Path)
	require.Equal(t, []string{"/bin/sh", "-c", "npm run dev"}, cmd.Args)
}

func TestBuildCmdShellDevModeEmptyCommand(t *testing.T) {
	cfg := Config{Mode: ModeShellDev, DevCommand: "   "}
	cmd := cfg.BuildCmd()
	require.Equal(t, "/bin/true", cmd.Path)
}

func TestFilteredEnvStripsConfiguredVar(t *testing.T) {
	cfg := Config{StripEnvVar: "SUPERVISOR_SESSION", Env: []string{"FOO=bar"}}
	base := []string{"PATH=/usr/bin", "SUPERVISOR_SESSION=1"}

	out := cfg.FilteredEnv(base)
	require.Contains(t, out, "PATH=/usr/bin")
	require.Contains(t, out, "FOO=bar")
	require.NotContains(t, out, "SUPERVISOR_SESSION=1")
}

func TestFilteredEnvNoStripVarReturnsMergedEnv(t *testing.T) {
	cfg := Config{Env: []string{"FOO=bar"}}
	base := []string{"PATH=/usr/bin"}

	out := cfg.FilteredEnv(base)
	require.Equal(t, []string{"PATH=/usr/bin", "FOO=bar"}, out)
}
