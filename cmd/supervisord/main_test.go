package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "supervisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = old
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	_ = r.Close()
	return buf.String()
}

func TestDoctorPrintsEffectiveConfig(t *testing.T) {
	cfg := writeConfig(t, "repo_dir: /tmp/repo\nrunner:\n  dev_command: \"npm run dev\"\n")

	root := buildRoot()
	root.SetArgs([]string{"--config", cfg, "doctor"})

	out := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	require.Contains(t, out, "shell_dev")
	require.Contains(t, out, "npm run dev")
}

func TestDoctorMissingConfigFileErrors(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"--config", "/nonexistent/path/supervisor.yaml", "doctor"})
	require.Error(t, root.Execute())
}

func TestStatusRequiresServerListen(t *testing.T) {
	cfg := writeConfig(t, "repo_dir: /tmp/repo\nserver:\n  listen: \"\"\n")

	root := buildRoot()
	root.SetArgs([]string{"--config", cfg, "status"})
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "server.listen")
}

func TestStatusFetchesFromRunningServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"running": true}`))
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	cfg := writeConfig(t, "repo_dir: /tmp/repo\nserver:\n  listen: \""+addr+"\"\n")

	root := buildRoot()
	root.SetArgs([]string{"--config", cfg, "status"})

	out := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	require.Contains(t, out, `"running": true`)
}

func TestRunMissingConfigFileErrors(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"--config", "/nonexistent/path/supervisor.yaml", "run"})
	require.Error(t, root.Execute())
}
