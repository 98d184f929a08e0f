package aidebug

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveModelKnownProviders(t *testing.T) {
	require.NotEmpty(t, resolveModel("anthropic", "claude"))
	require.NotEmpty(t, resolveModel("openai", "codex"))
}

func TestResolveModelUnknownProviderOrKey(t *testing.T) {
	require.Empty(t, resolveModel("unknown-provider", "claude"))
	require.Empty(t, resolveModel("anthropic", "unknown-key"))
}

func TestCliArgsKnownProviders(t *testing.T) {
	bin, args := cliArgs("anthropic", "some-model", "/tmp/prompt.md")
	require.Equal(t, "claude", bin)
	require.Contains(t, args, "/tmp/prompt.md")
	require.Contains(t, args, "some-model")

	bin, args = cliArgs("openai", "some-model", "/tmp/prompt.md")
	require.Equal(t, "codex", bin)
	require.Contains(t, args, "/tmp/prompt.md")
}

func TestCliArgsUnknownProvider(t *testing.T) {
	bin, args := cliArgs("unknown", "model", "/tmp/prompt.md")
	require.Empty(t, bin)
	require.Nil(t, args)
}
