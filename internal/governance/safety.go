package governance

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrUnsafeCommand = errors.New("unsafe command")

type safetyRule struct {
	name string
	re   *regexp.Regexp
}

// Order matters only for the reported reason; any match rejects.
var safetyRules = []safetyRule{
	{"embedded newline", regexp.MustCompile(`[\r\n]`)},
	{"sudo prefix", regexp.MustCompile(`^\s*sudo(\s|$)`)},
	{"command chaining with ;", regexp.MustCompile(`;`)},
	{"command chaining with &&", regexp.MustCompile(`&&`)},
	{"command chaining with ||", regexp.MustCompile(`\|\|`)},
	{"pipe", regexp.MustCompile(`\|`)},
	{"backtick substitution", regexp.MustCompile("`")},
	{"command substitution", regexp.MustCompile(`\$\(`)},
	{"process substitution", regexp.MustCompile(`[<>]\(`)},
	{"heredoc", regexp.MustCompile(`<<`)},
	{"file descriptor duplication", regexp.MustCompile(`[<>]&|&>`)},
	{"background execution", regexp.MustCompile(`&`)},
	{"numbered redirect", regexp.MustCompile(`(^|\s)\d+[<>]`)},
}

// CheckCommandSafety rejects command lines that use shell chaining,
// substitution, redirection tricks or privilege escalation.
func CheckCommandSafety(run string) error {
	for _, rule := range safetyRules {
		if rule.re.MatchString(run) {
			return fmt.Errorf("%w: %s", ErrUnsafeCommand, rule.name)
		}
	}
	return nil
}

func IsCommandStringSafe(run string) bool {
	return CheckCommandSafety(run) == nil
}
