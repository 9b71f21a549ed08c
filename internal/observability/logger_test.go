package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_EmitsStructuredEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core), "")

	code := 0
	l.LogCommand("s1", "t1", "ls", &code, false, false, false, 0)
	l.LogPolicyCheck("s1", "t1", "ls", "allowlist", true)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, string(EventTypeCommand), entries[0].Message)
	assert.Equal(t, "t1", entries[0].ContextMap()["step_id"])
	assert.Equal(t, string(EventTypePolicyCheck), entries[1].Message)
}

func TestLogger_LLMTranscriptRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "llm.jsonl")
	l := NewLogger(zap.NewNop(), path)
	l.maxSize = 10

	l.LogLLM("s1", "prompt one", "response one")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "response one")

	l.LogLLM("s1", "prompt two", "response two")
	old, err := os.ReadFile(path + ".old")
	require.NoError(t, err)
	assert.Contains(t, string(old), "response one")

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(cur), "\n"))
	assert.Contains(t, string(cur), "response two")
}

func TestStatus_SetGet(t *testing.T) {
	s := NewStatus()
	phase, step, _ := s.Get()
	assert.Equal(t, PhaseIdle, phase)
	assert.Empty(t, step)

	s.Set(PhaseExecuting, "t1")
	phase, step, _ = s.Get()
	assert.Equal(t, PhaseExecuting, phase)
	assert.Equal(t, "t1", step)
}
