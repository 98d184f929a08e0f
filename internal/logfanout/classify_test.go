package logfanout

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		line string
		want Level
	}{
		{"panic: runtime error", LevelError},
		{"ERROR: connection refused", LevelError},
		{"E: bad state", LevelError},
		{"WARN: retrying", LevelWarn},
		{"warning: deprecated flag", LevelWarn},
		{"DEBUG starting handler", LevelDebug},
		{"TRACE entering loop", LevelDebug},
		{"server listening on :3000", LevelInfo},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ClassifyLine(c.line), "line: %q", c.line)
	}
}

func TestClassifyBuildLinePromotesCompilerErrors(t *testing.T) {
	require.Equal(t, LevelError, ClassifyBuildLine("error[E0382]: use of moved value"))
	require.Equal(t, LevelError, ClassifyBuildLine("undefined reference to `main`"))
	require.Equal(t, LevelInfo, ClassifyBuildLine("Compiling supervisor v0.1.0"))
}

func TestIsBuildErrorLine(t *testing.T) {
	require.True(t, IsBuildErrorLine("SyntaxError: unexpected token"))
	require.True(t, IsBuildErrorLine("could not compile `foo`"))
	require.False(t, IsBuildErrorLine("Compiling supervisor v0.1.0"))
}

func TestStreamLinesEmitsEachLine(t *testing.T) {
	f := New(10)
	r := strings.NewReader("first line\nERROR second line\nthird line\n")
	StreamLines(f, SourceBuild, r, nil)

	hist := f.History()
	require.Len(t, hist, 3)
	require.Equal(t, LevelInfo, hist[0].Level)
	require.Equal(t, LevelError, hist[1].Level)
	require.Equal(t, "third line", hist[2].Message)
}

func TestStreamLinesUsesCustomClassifier(t *testing.T) {
	f := New(10)
	r := strings.NewReader("anything\n")
	StreamLines(f, SourceBuild, r, func(string) Level { return LevelWarn })

	hist := f.History()
	require.Len(t, hist, 1)
	require.Equal(t, LevelWarn, hist[0].Level)
}
