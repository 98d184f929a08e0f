package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qontinui/supervisor/internal/config"
	"github.com/qontinui/supervisor/internal/supervisor"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func fetchJSON(addr, path string) (map[string]any, error) {
	// #nosec G107 -- addr is operator-configured, not user input.
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", path, err)
	}
	return out, nil
}

// buildRoot constructs the command tree without executing it, so tests can
// drive it via root.SetArgs/root.Execute the way the teacher's
// buildRoot(mgr) is driven in cmd/provisr/main_test.go.
func buildRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{Use: "supervisord"}
	root.PersistentFlags().StringVar(&configPath, "config", "supervisor.yaml", "path to daemon config file")

	cmdRun := &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			d, err := supervisor.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return d.Run(ctx)
		},
	}

	cmdStatus := &cobra.Command{
		Use:   "status",
		Short: "Print a one-shot status snapshot from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Server.Listen == "" {
				return fmt.Errorf("config has no server.listen address to query")
			}
			snap, err := fetchJSON(cfg.Server.Listen, "/status")
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}
			printJSON(snap)
			return nil
		},
	}

	cmdDoctor := &cobra.Command{
		Use:   "doctor",
		Short: "Print the effective configuration after defaults are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			printJSON(cfg)
			return nil
		},
	}

	root.AddCommand(cmdRun, cmdStatus, cmdDoctor)
	return root
}

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
