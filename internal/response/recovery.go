package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Strategy names one technique for coercing near-JSON text into JSON.
type Strategy string

const (
	StrategyDirect          Strategy = "direct"
	StrategyCodeFence       Strategy = "code_fence"
	StrategyBalancedSlice   Strategy = "balanced_slice"
	StrategyEscapedNewlines Strategy = "escaped_newlines"
)

// Attempt records why a strategy failed.
type Attempt struct {
	Strategy Strategy `json:"strategy"`
	Err      error    `json:"-"`
}

func (a Attempt) MarshalJSON() ([]byte, error) {
	msg := ""
	if a.Err != nil {
		msg = a.Err.Error()
	}
	return json.Marshal(struct {
		Strategy Strategy `json:"strategy"`
		Error    string   `json:"error"`
	}{a.Strategy, msg})
}

// ParseError is returned when every strategy failed.
type ParseError struct {
	Attempts []Attempt
}

func (e *ParseError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return "unable to recover JSON from response (" + strings.Join(parts, "; ") + ")"
}

// Result is the outcome of Recover. Exactly one of Value or Err is meaningful.
type Result struct {
	Value          any
	NormalizedText string
	Strategy       Strategy
	Attempts       []Attempt
	Err            error
}

func (r Result) OK() bool { return r.Err == nil }

type strategy struct {
	name  Strategy
	apply func(text string) (string, error)
}

// strategies run in this order; each one yields the candidate text to decode.
var strategies = []strategy{
	{StrategyDirect, directText},
	{StrategyCodeFence, codeFenceText},
	{StrategyBalancedSlice, balancedSliceText},
	{StrategyEscapedNewlines, escapedNewlinesText},
}

var (
	errEmpty           = errors.New("empty response")
	errNoFence         = errors.New("no fenced code block")
	errNoOpener        = errors.New("no JSON object or array opener")
	errUnbalanced      = errors.New("unbalanced brackets")
	errNoRawLineBreaks = errors.New("no raw line breaks to escape")
)

// Recover turns raw assistant text into a JSON value, trying each strategy in
// order and recording every failure.
func Recover(raw string) Result {
	var attempts []Attempt
	for _, s := range strategies {
		text, err := s.apply(raw)
		if err == nil {
			var value any
			value, err = decode(text)
			if err == nil {
				return Result{
					Value:          value,
					NormalizedText: text,
					Strategy:       s.name,
					Attempts:       attempts,
				}
			}
		}
		attempts = append(attempts, Attempt{Strategy: s.name, Err: err})
	}
	return Result{Attempts: attempts, Err: &ParseError{Attempts: attempts}}
}

func decode(text string) (any, error) {
	if !json.Valid([]byte(text)) {
		// Unmarshal again only to surface the positioned syntax error.
		var probe any
		if err := json.Unmarshal([]byte(text), &probe); err != nil {
			return nil, err
		}
		return nil, errors.New("invalid JSON")
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func directText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", errEmpty
	}
	return text, nil
}

var fenceRe = regexp.MustCompile("(?s)```[ \\t]*(?i:json)?[ \\t]*\\r?\\n?(.*?)```")

func codeFenceText(raw string) (string, error) {
	m := fenceRe.FindStringSubmatch(raw)
	if m == nil {
		return "", errNoFence
	}
	text := strings.TrimSpace(m[1])
	if text == "" {
		return "", errEmpty
	}
	return text, nil
}

// balancedSliceText returns the first top-level {...} or [...] span, skipping
// bracket characters inside quoted strings.
func balancedSliceText(raw string) (string, error) {
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return "", errNoOpener
	}
	var stack []byte
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "", fmt.Errorf("%w: unexpected %q at offset %d", errUnbalanced, c, i)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: %d unclosed", errUnbalanced, len(stack))
}

var lineBreakRe = regexp.MustCompile(`\r\n|\n|\r`)

func escapedNewlinesText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if !lineBreakRe.MatchString(text) {
		return "", errNoRawLineBreaks
	}
	return lineBreakRe.ReplaceAllString(text, `\n`), nil
}
