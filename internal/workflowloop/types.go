package workflowloop

import "time"

// ExitStrategyKind is the tag of the exit-strategy sum type.
type ExitStrategyKind string

const (
	ExitReflection           ExitStrategyKind = "reflection"
	ExitWorkflowVerification ExitStrategyKind = "workflow_verification"
	ExitFixedIterations      ExitStrategyKind = "fixed_iterations"
)

// ExitStrategy is a closed tagged union; ReflectionWorkflowID is only
// meaningful when Kind == ExitReflection.
type ExitStrategy struct {
	Kind                 ExitStrategyKind `json:"kind"`
	ReflectionWorkflowID string           `json:"reflection_workflow_id,omitempty"`
}

// BetweenIterationsKind is the tag of the between-iterations sum type.
type BetweenIterationsKind string

const (
	BetweenRestartRunner   BetweenIterationsKind = "restart_runner"
	BetweenRestartOnSignal BetweenIterationsKind = "restart_on_signal"
	BetweenWaitHealthy     BetweenIterationsKind = "wait_healthy"
	BetweenNone            BetweenIterationsKind = "none"
)

// BetweenIterations is a closed tagged union; Rebuild only applies to the
// two restart variants.
type BetweenIterations struct {
	Kind    BetweenIterationsKind `json:"kind"`
	Rebuild bool                  `json:"rebuild,omitempty"`
}

// BuildPhase is pipeline mode's optional build step.
type BuildPhase struct {
	Description string `json:"description"`
	Context     string `json:"context"`
}

// ReflectPhase is pipeline mode's optional reflection step.
type ReflectPhase struct {
	WorkflowID string `json:"workflow_id,omitempty"`
}

// ImplementFixesPhase is pipeline mode's optional fix-implementation step.
type ImplementFixesPhase struct {
	WorkflowID string `json:"workflow_id,omitempty"`
}

// PipelineConfig discriminates pipeline mode: its presence on Config (a
// non-nil pointer) is what selects pipeline mode over simple mode, per the
// design's "Pipeline vs. simple is discriminated by the presence of the
// phases field" rule.
type PipelineConfig struct {
	Build             *BuildPhase          `json:"build,omitempty"`
	ExecuteWorkflowID string               `json:"execute_workflow_id,omitempty"`
	Reflect           *ReflectPhase        `json:"reflect,omitempty"`
	ImplementFixes    *ImplementFixesPhase `json:"implement_fixes,omitempty"`
}

// Valid reports whether p satisfies pipeline mode's requirement of at
// least one of a build phase or an execute-workflow id.
func (p *PipelineConfig) Valid() bool {
	return p != nil && (p.Build != nil || p.ExecuteWorkflowID != "")
}

// Config is the one configuration type shared by simple and pipeline mode.
type Config struct {
	// Simple mode.
	WorkflowID string `json:"workflow_id,omitempty"`

	// Pipeline mode. A non-nil Phases selects pipeline mode.
	Phases *PipelineConfig `json:"phases,omitempty"`

	ExitStrategy       ExitStrategy      `json:"exit_strategy"`
	MaxIterations      int               `json:"max_iterations"`
	BetweenIterations  BetweenIterations `json:"between_iterations"`
}

// IsPipeline reports whether this configuration is in pipeline mode.
func (c Config) IsPipeline() bool { return c.Phases != nil }

// Validate rejects configurations that are neither valid simple nor valid
// pipeline, per the design's validation rule for the tagged union.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.IsPipeline() {
		if !c.Phases.Valid() {
			return errInvalidConfig("pipeline mode requires a build phase or an execute_workflow_id")
		}
		return nil
	}
	if c.WorkflowID == "" {
		return errInvalidConfig("simple mode requires workflow_id")
	}
	return nil
}

// WithDefaults returns a copy of c with MaxIterations defaulted to 5 when
// unset, per §4.5's "Common" parameters.
func (c Config) WithDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	return c
}

// Phase is one state in the engine's phase state machine.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseRunningWorkflow   Phase = "running_workflow"
	PhaseEvaluatingExit    Phase = "evaluating_exit"
	PhaseWaitingForRunner  Phase = "waiting_for_runner"
	PhaseBuildingWorkflow  Phase = "building_workflow"
	PhaseReflecting        Phase = "reflecting"
	PhaseImplementingFixes Phase = "implementing_fixes"
	PhaseComplete          Phase = "complete"
	PhaseStopped           Phase = "stopped"
	PhaseError             Phase = "error"
)

// ExitCheckResult is the outcome of evaluating the configured exit
// strategy after one iteration.
type ExitCheckResult struct {
	ShouldExit bool   `json:"should_exit"`
	Reason     string `json:"reason"`
}

// IterationRecord is one completed iteration. Pipeline-only fields are left
// at their zero value (and omitted on serialization) in simple mode, per
// the design's "serialization omits pipeline-only fields when absent" rule.
type IterationRecord struct {
	Number      int       `json:"number"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	TaskRunID   string    `json:"task_run_id"`
	ExitCheck   ExitCheckResult `json:"exit_check"`

	GeneratedWorkflowID string `json:"generated_workflow_id,omitempty"`
	ReflectionTaskRunID string `json:"reflection_task_run_id,omitempty"`
	FixCount             int    `json:"fix_count,omitempty"`
	ImplementedFixes     bool   `json:"implemented_fixes,omitempty"`
	RebuildTriggered      bool   `json:"rebuild_triggered,omitempty"`
}

type configError string

func (e configError) Error() string { return string(e) }

func errInvalidConfig(msg string) error { return configError(msg) }
