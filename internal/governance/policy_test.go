package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyEngine_Evaluate(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	ctx := context.Background()

	res, err := engine.Evaluate(ctx, Request{Executable: "git", Args: []string{"status"}, Command: "git status"})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, res.Effect)

	engine.DenyExecutable("rm")
	res, err = engine.Evaluate(ctx, Request{Executable: "rm", Args: []string{"-rf", "x"}, Command: "rm -rf x"})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
	assert.Contains(t, res.Reason, "rm")
}

func TestDefaultPolicyEngine_DenyArguments(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	require.NoError(t, engine.DenyArguments(`--force\b`))
	assert.Error(t, engine.DenyArguments(`(`))

	res, err := engine.Evaluate(context.Background(), Request{
		Executable: "git",
		Args:       []string{"push", "--force"},
		Command:    "git push --force",
	})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
}
