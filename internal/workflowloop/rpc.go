package workflowloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qontinui/supervisor/internal/svcerr"
)

// RunnerClient is the only component that talks to the runner's HTTP API
// beyond health probes, per §4.5's "Runner RPC" section.
type RunnerClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewRunnerClient(baseURL string) *RunnerClient {
	return &RunnerClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// WorkflowState is the subset of `/task-runs/{id}/workflow-state` the
// engine reads.
type WorkflowState struct {
	IsComplete           bool `json:"is_complete"`
	VerificationIters    int  `json:"verification_iterations"`
	IterationCount       int  `json:"iteration_count"`
}

// TaskRun is one row from `/task-runs`.
type TaskRun struct {
	ID                         string `json:"id"`
	ReflectionSourceTaskRunID  string `json:"reflection_source_task_run_id"`
	IsComplete                 bool   `json:"is_complete"`
}

// StartWorkflow implements "Start workflow by id" and returns the new
// task-run id.
func (c *RunnerClient) StartWorkflow(ctx context.Context, workflowID string) (string, error) {
	var out struct {
		TaskRunID string `json:"task_run_id"`
	}
	path := fmt.Sprintf("/unified-workflows/%s/run", workflowID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.TaskRunID, nil
}

// PollWorkflowState implements "Poll workflow state". A 404 while polling a
// just-started task run is transient; the caller retries, so it's surfaced
// as an RPC error rather than treated specially here — the engine's poll
// loop is the retry point.
func (c *RunnerClient) PollWorkflowState(ctx context.Context, taskRunID string) (WorkflowState, error) {
	var out WorkflowState
	path := fmt.Sprintf("/task-runs/%s/workflow-state", taskRunID)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// TriggerReflection implements "Trigger reflection for a task-run". A 409
// means "already running" and is not an error: the caller enumerates task
// runs to find the auto-triggered one.
func (c *RunnerClient) TriggerReflection(ctx context.Context, taskRunID string) (newTaskRunID string, alreadyRunning bool, err error) {
	path := fmt.Sprintf("/reflection/trigger/%s", taskRunID)
	req, rerr := c.newRequest(ctx, http.MethodPost, path, nil)
	if rerr != nil {
		return "", false, rerr
	}
	resp, rerr := c.HTTP.Do(req)
	if rerr != nil {
		return "", false, svcerr.RPC("trigger reflection", rerr)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		return "", true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, svcerr.New(svcerr.KindRPC, fmt.Sprintf("trigger reflection: status %d", resp.StatusCode))
	}
	var out struct {
		TaskRunID string `json:"task_run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, svcerr.RPC("decode reflection response", err)
	}
	return out.TaskRunID, false, nil
}

// ListTaskRuns implements the "enumerate task runs" fallback used to find
// an auto-triggered reflection. The open question about bounding this for
// large histories is recorded in DESIGN.md; this call is unbounded, as in
// the original contract.
func (c *RunnerClient) ListTaskRuns(ctx context.Context) ([]TaskRun, error) {
	var out []TaskRun
	err := c.doJSON(ctx, http.MethodGet, "/task-runs", nil, &out)
	return out, err
}

// FindReflectionBySource scans task runs for the one whose
// ReflectionSourceTaskRunID matches sourceID.
func FindReflectionBySource(runs []TaskRun, sourceID string) (TaskRun, bool) {
	for _, r := range runs {
		if r.ReflectionSourceTaskRunID == sourceID {
			return r, true
		}
	}
	return TaskRun{}, false
}

// ReflectionFixes implements "Count reflection fixes" via the preferred
// structured endpoint, returning the typed fix batch so the caller can
// apply the rebuild policy instead of just a count.
func (c *RunnerClient) ReflectionFixes(ctx context.Context, taskRunID string) ([]Fix, error) {
	var out struct {
		Fixes []Fix `json:"fixes"`
	}
	path := fmt.Sprintf("/task-runs/%s/reflection-fixes", taskRunID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Fixes, nil
}

// HeuristicFixCount implements the fallback fix-counting path: grep the
// task run's output text for "fix applied"/"fixed" occurrences. Fragile by
// design — see the open question in the design notes; callers should
// prefer ReflectionFixes when available, since this path carries no
// fix_type and so cannot drive the rebuild policy.
func (c *RunnerClient) HeuristicFixCount(ctx context.Context, taskRunID string, tailChars int) (int, error) {
	var out struct {
		Output string `json:"output"`
	}
	path := fmt.Sprintf("/task-runs/%s/output?tail_chars=%s", taskRunID, strconv.Itoa(tailChars))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	lower := strings.ToLower(out.Output)
	return strings.Count(lower, "fix applied") + strings.Count(lower, "fixed"), nil
}

// RunningTasks implements aidebug.RunningTasksFetcher structurally.
func (c *RunnerClient) RunningTasks(ctx context.Context) ([]string, error) {
	var out []struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/task-runs/running", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out))
	for _, t := range out {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (c *RunnerClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r *bytes.Reader
	if body != nil {
		r = bytes.NewReader(body)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, svcerr.RPC("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *RunnerClient) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return svcerr.RPC(method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return svcerr.New(svcerr.KindRPC, fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
