package governance

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rahul/stepwise/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAllowlist() *AllowlistStore {
	return NewStaticAllowlist(&Allowlist{Entries: []AllowEntry{
		{Name: "ls"},
		{Name: "cat"},
		{Name: "git", Subcommands: []string{"status", "diff", "log"}},
		{Name: "python3", Subcommands: []string{"manage.py"}},
		{Name: "npm", Subcommands: []string{"test"}},
	}})
}

func command(run string) plan.Command {
	return plan.CommandDraft{Run: &run}.Normalize()
}

type scriptedPrompter struct {
	choices []Choice
	err     error
	calls   int
}

func (p *scriptedPrompter) Prompt(ctx context.Context, cmd plan.Command, why string) (Choice, error) {
	p.calls++
	if p.err != nil {
		return ChoiceReject, p.err
	}
	c := p.choices[0]
	p.choices = p.choices[1:]
	return c, nil
}

func TestGate_Preapproved(t *testing.T) {
	g := NewGate(testAllowlist(), nil, nil, nil)
	ctx := context.Background()

	tests := []struct {
		run  string
		want bool
	}{
		{"ls -la", true},
		{"/bin/ls -la", true},
		{"git status", true},
		{"git --no-pager diff", true},
		{"git -C repo diff", false},
		{"git push", false},
		{"git", false},
		{"rm -rf /", false},
		{"ls | cat", false},
		{"sudo ls", false},
		{"npm test", true},
		{"npm test extra.js", false},
		{"python3 manage.py", true},
		{"python3 -u manage.py", true},
		{"python3 manage.py evil.py", false},
		{"python3 --version", false},
		{"cat 'unterminated", false},
		{"   ", false},
	}
	for _, tt := range tests {
		ok, why := g.Preapproved(ctx, command(tt.run))
		assert.Equal(t, tt.want, ok, "%q: %s", tt.run, why)
		if !ok {
			assert.NotEmpty(t, why, tt.run)
		}
	}
}

func TestGate_PreapprovedRejectsOtherShells(t *testing.T) {
	g := NewGate(testAllowlist(), nil, nil, nil)
	cmd := command("ls")
	cmd.Shell = "zsh"
	ok, why := g.Preapproved(context.Background(), cmd)
	assert.False(t, ok)
	assert.Contains(t, why, "zsh")

	cmd.Shell = "sh"
	ok, _ = g.Preapproved(context.Background(), cmd)
	assert.True(t, ok)
}

func TestGate_PolicyDeniesAllowlistedCommand(t *testing.T) {
	g := NewGate(testAllowlist(), nil, nil, nil)
	p := NewDefaultPolicyEngine()
	require.NoError(t, p.DenyArguments(`/etc/shadow`))
	g.SetPolicy(p)

	ok, why := g.Preapproved(context.Background(), command("cat /etc/shadow"))
	assert.False(t, ok)
	assert.Contains(t, why, "restricted")
}

func TestGate_AuthorizeSessionApproval(t *testing.T) {
	session := NewSessionApprovals()
	prompter := &scriptedPrompter{choices: []Choice{ChoiceApproveSession}}
	g := NewGate(testAllowlist(), session, prompter, nil)
	ctx := context.Background()

	d := g.Authorize(ctx, command("make build"))
	assert.True(t, d.Approved)
	assert.Equal(t, SourceHumanSession, d.Source)
	require.NotNil(t, d.SessionEntry)
	assert.Equal(t, 1, session.Len())

	d = g.Authorize(ctx, command("make build"))
	assert.True(t, d.Approved)
	assert.Equal(t, SourceSession, d.Source)
	assert.Equal(t, 1, prompter.calls)

	other := command("make build")
	other.Cwd = "sub"
	assert.False(t, session.Has(SignatureOf(other)))
}

func TestGate_AuthorizeSources(t *testing.T) {
	ctx := context.Background()

	g := NewGate(testAllowlist(), nil, nil, nil)
	d := g.Authorize(ctx, command("ls"))
	assert.Equal(t, Decision{Approved: true, Source: SourceAllowlist}, d)

	d = g.Authorize(ctx, command("make"))
	assert.False(t, d.Approved)
	assert.Equal(t, SourceRejected, d.Source)

	g.SetAutoApprove(true)
	d = g.Authorize(ctx, command("make"))
	assert.True(t, d.Approved)
	assert.Equal(t, SourceAutoApprove, d.Source)

	once := &scriptedPrompter{choices: []Choice{ChoiceRunOnce, ChoiceReject}}
	g = NewGate(testAllowlist(), nil, once, nil)
	d = g.Authorize(ctx, command("make"))
	assert.Equal(t, SourceHumanOnce, d.Source)
	d = g.Authorize(ctx, command("make"))
	assert.False(t, d.Approved)
	assert.Equal(t, 2, once.calls)

	failing := &scriptedPrompter{err: io.EOF}
	g = NewGate(testAllowlist(), nil, failing, nil)
	d = g.Authorize(ctx, command("make"))
	assert.False(t, d.Approved)
	assert.Equal(t, SourceRejected, d.Source)
}

type lines struct {
	answers []string
	prompts int
}

func (l *lines) ReadLine(prompt string) (string, error) {
	l.prompts++
	if len(l.answers) == 0 {
		return "", io.EOF
	}
	a := l.answers[0]
	l.answers = l.answers[1:]
	return a, nil
}

func TestCLIPrompter(t *testing.T) {
	tests := []struct {
		answers []string
		want    Choice
		prompts int
		err     error
	}{
		{[]string{"1"}, ChoiceRunOnce, 1, nil},
		{[]string{" YES "}, ChoiceRunOnce, 1, nil},
		{[]string{"maybe", "", "2"}, ChoiceApproveSession, 3, nil},
		{[]string{"n"}, ChoiceReject, 1, nil},
		{[]string{"4"}, ChoiceReject, 2, io.EOF},
	}
	for _, tt := range tests {
		in := &lines{answers: tt.answers}
		var out strings.Builder
		p := NewCLIPrompter(in, &out)

		got, err := p.Prompt(context.Background(), command("make"), "not allowlisted")
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.prompts, in.prompts)
		if tt.err != nil {
			assert.True(t, errors.Is(err, tt.err))
		} else {
			assert.NoError(t, err)
		}
		assert.Contains(t, out.String(), "Approval required: make")
	}
}
