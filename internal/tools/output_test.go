package tools

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestCombineStdStreams(t *testing.T) {
	tests := []struct {
		name             string
		stdout, stderr   string
		code             *int
		wantOut, wantErr string
	}{
		{"success merges", "out\n", "warn\n", intPtr(0), "out\nwarn\n", ""},
		{"success adds separator", "out", "warn", intPtr(0), "out\nwarn", ""},
		{"success empty stdout", "", "warn", intPtr(0), "warn", ""},
		{"success empty stderr", "out", "", intPtr(0), "out", ""},
		{"failure untouched", "out", "boom", intPtr(2), "out", "boom"},
		{"signaled untouched", "out", "boom", nil, "out", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut := CombineStdStreams(tt.stdout, tt.stderr, tt.code)
			assert.Equal(t, tt.wantOut, out)
			assert.Equal(t, tt.wantErr, errOut)
		})
	}
}

func TestTruncateOutput(t *testing.T) {
	within := "a\nb\nc\nd\n"
	got, cut := TruncateOutput(within, 2, 2, 0)
	assert.False(t, cut)
	assert.Equal(t, within, got)

	var lines []string
	for i := 1; i <= 10; i++ {
		lines = append(lines, fmt.Sprintf("line%d", i))
	}
	got, cut = TruncateOutput(strings.Join(lines, "\n"), 2, 3, 0)
	require.True(t, cut)
	assert.Equal(t, "line8\nline9\nline10\n<snip....>\nline1\nline2", got)
}

func TestTruncateOutput_ByteBound(t *testing.T) {
	text := strings.Repeat("x", 50) + strings.Repeat("y", 50)
	got, cut := TruncateOutput(text, 100, 100, 20)
	require.True(t, cut)
	assert.Equal(t, strings.Repeat("y", 10)+"\n<snip....>\n"+strings.Repeat("x", 10), got)

	got, _ = TruncateOutput("ééééé", 0, 0, 4)
	assert.Equal(t, "é\n<snip....>\né", got)
}

func TestFilterAndTail(t *testing.T) {
	text := "ok 1\nerr 2\nok 3\nerr 4\n"

	got, err := FilterLines(text, "^err")
	require.NoError(t, err)
	assert.Equal(t, "err 2\nerr 4\n", got)

	got, err = FilterLines(text, "")
	require.NoError(t, err)
	assert.Equal(t, text, got)

	got, err = FilterLines(text, "(")
	assert.Error(t, err)
	assert.Equal(t, text, got)

	assert.Equal(t, "ok 3\nerr 4\n", TailLines(text, 2))
	assert.Equal(t, text, TailLines(text, 0))
	assert.Equal(t, text, TailLines(text, 10))
}
