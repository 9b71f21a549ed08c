package agent

import (
	"regexp"
	"strings"
)

// maxRefusalLength keeps long explanations that merely mention an apology
// from being treated as refusals.
const maxRefusalLength = 300

var (
	apologyRe    = regexp.MustCompile(`(?i)\b(sorry|apologi[sz]e|apologies|unfortunately|regret)\b`)
	negatedCapRe = regexp.MustCompile(`(?i)\b(can(?:'|’)?t|cannot|can not|unable to|not able to|won(?:'|’)?t|will not)\b`)
	assistRe     = regexp.MustCompile(`(?i)\b(help|assist|assistance|comply|fulfil+|provide|support)\b`)
)

// IsRefusal reports whether msg looks like a short apologetic non-answer,
// for example "I'm sorry, but I can't help with that."
func IsRefusal(msg string) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" || len(msg) > maxRefusalLength {
		return false
	}
	return apologyRe.MatchString(msg) && negatedCapRe.MatchString(msg) && assistRe.MatchString(msg)
}
