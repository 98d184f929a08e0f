package workflowloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldRebuildNoFixes(t *testing.T) {
	require.False(t, ShouldRebuild(nil))
	require.False(t, ShouldRebuild([]Fix{}))
}

func TestShouldRebuildRebuildRequiringFix(t *testing.T) {
	require.True(t, ShouldRebuild([]Fix{{Type: FixWorkflowStepRewrite}}))
	require.True(t, ShouldRebuild([]Fix{{Type: FixInstructionClarification}}))
	require.True(t, ShouldRebuild([]Fix{{Type: FixContextAddition}}))
}

func TestShouldRebuildNonRebuildFixes(t *testing.T) {
	require.False(t, ShouldRebuild([]Fix{{Type: FixSelectorFix}}))
	require.False(t, ShouldRebuild([]Fix{{Type: FixKnowledgeBaseUpdate}}))
	require.False(t, ShouldRebuild([]Fix{{Type: FixToolConfigUpdate}}))
}

func TestShouldRebuildMixedBatchRequiresRebuildIfAnyQualifies(t *testing.T) {
	fixes := []Fix{{Type: FixSelectorFix}, {Type: FixContextAddition}}
	require.True(t, ShouldRebuild(fixes))
}
