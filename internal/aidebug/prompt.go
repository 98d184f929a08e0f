package aidebug

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// RunningTasksFetcher is the slice of the workflow loop's runner RPC client
// the prompt builder needs to report currently running tasks, per the
// external-interfaces `/task-runs/running` endpoint.
type RunningTasksFetcher interface {
	RunningTasks(ctx context.Context) ([]string, error)
}

// PromptInputs bundles everything the prompt builder can draw from; any
// field left empty is simply omitted from the assembled document.
type PromptInputs struct {
	Reason        string
	LogFilePath   string
	LastBuildErr  string
	RepoDir       string
	RunningTasks  RunningTasksFetcher
}

// BuildPrompt assembles the markdown debug prompt in the fixed section
// order from §4.6, including each section only when it has content.
func BuildPrompt(ctx context.Context, in PromptInputs) string {
	var b strings.Builder

	if in.Reason != "" {
		fmt.Fprintf(&b, "## Trigger\n\n%s\n\n", in.Reason)
	}

	b.WriteString("## Instructions\n\nDo not explore the filesystem beyond what is given below. Diagnose and fix the issue using only this context.\n\n")

	if logTail := readLogTail(in.LogFilePath, 100); logTail != "" {
		fmt.Fprintf(&b, "## Recent runner log\n\n```\n%s\n```\n\n", logTail)
	}

	if in.LastBuildErr != "" {
		fmt.Fprintf(&b, "## Last build error\n\n```\n%s\n```\n\n", in.LastBuildErr)
	}

	if vcs := vcsSummary(in.RepoDir); vcs != "" {
		fmt.Fprintf(&b, "## Recent changes\n\n%s\n\n", vcs)
	}

	if in.RunningTasks != nil {
		if tasks, err := in.RunningTasks.RunningTasks(ctx); err == nil && len(tasks) > 0 {
			fmt.Fprintf(&b, "## Currently running tasks\n\n- %s\n\n", strings.Join(tasks, "\n- "))
		}
	}

	return b.String()
}

// readLogTail reads path, strips UTF-16LE framing if detected, and returns
// the last n lines.
func readLogTail(path string, n int) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimSuffix(stripUTF16(raw), "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// stripUTF16 applies the loose heuristic named in the design: a UTF-16LE BOM,
// or alternating null bytes with no BOM, both trigger null-byte stripping;
// plain UTF-8 passes through unchanged. A proper BOM-then-encoding pipeline
// is not required here, per the open question in the design notes.
func stripUTF16(raw []byte) string {
	hasBOM := len(raw) >= 2 && raw[0] == 0xFF && raw[1] == 0xFE
	looksAlternatingNulls := looksUTF16LENoBOM(raw)
	if !hasBOM && !looksAlternatingNulls {
		return string(raw)
	}
	if hasBOM {
		raw = raw[2:]
	}
	return string(bytes.ReplaceAll(raw, []byte{0}, nil))
}

func looksUTF16LENoBOM(raw []byte) bool {
	if len(raw) < 8 {
		return false
	}
	sample := raw
	if len(sample) > 256 {
		sample = sample[:256]
	}
	nullAtOdd := 0
	for i := 1; i < len(sample); i += 2 {
		if sample[i] == 0 {
			nullAtOdd++
		}
	}
	return nullAtOdd > len(sample)/4
}

// vcsSummary shells out to git for a short recent-commits list and a diff
// stat summary; any failure (not a repo, git missing) yields an empty
// string rather than an error, since this section is best-effort context.
func vcsSummary(repoDir string) string {
	if repoDir == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logOut := runGit(ctx, repoDir, "log", "--oneline", "-n", "10")
	diffOut := runGit(ctx, repoDir, "diff", "--stat")

	var b strings.Builder
	if logOut != "" {
		fmt.Fprintf(&b, "Recent commits:\n```\n%s\n```\n", logOut)
	}
	if diffOut != "" {
		fmt.Fprintf(&b, "Current diff summary:\n```\n%s\n```\n", diffOut)
	}
	return b.String()
}

func runGit(ctx context.Context, dir string, args ...string) string {
	// #nosec G204 -- fixed subcommand set, dir is supervisor-configured.
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
