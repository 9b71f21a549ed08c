package response

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rahul/stepwise/internal/plan"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "response.json"

// Response is the typed tool response the model sends each pass.
type Response struct {
	Message string      `json:"message"`
	Done    bool        `json:"done,omitempty"`
	Plan    []StepDraft `json:"plan,omitempty"`
}

// StepDraft is a plan step as written by the model.
type StepDraft struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Status       plan.Status        `json:"status"`
	WaitingForID []string           `json:"waitingForId,omitempty"`
	Priority     *float64           `json:"priority,omitempty"`
	Command      *plan.CommandDraft `json:"command,omitempty"`
}

// Steps converts the drafted plan to plan steps. It returns nil when the
// response carried no plan at all.
func (r Response) Steps() []plan.Step {
	if r.Plan == nil {
		return nil
	}
	steps := make([]plan.Step, 0, len(r.Plan))
	for _, d := range r.Plan {
		s := plan.Step{
			ID:           d.ID,
			Title:        d.Title,
			Status:       d.Status,
			WaitingForID: append([]string{}, d.WaitingForID...),
			Priority:     d.Priority,
		}
		if d.Command != nil {
			cmd := d.Command.Normalize()
			s.Command = &cmd
		}
		steps = append(steps, s)
	}
	return steps
}

// SchemaError describes one schema violation.
type SchemaError struct {
	Path         string         `json:"path"`
	Message      string         `json:"message"`
	Keyword      string         `json:"keyword"`
	InstancePath string         `json:"instancePath"`
	Params       map[string]any `json:"params,omitempty"`
}

type Kind string

const (
	KindSchema   Kind = "schema"
	KindSemantic Kind = "semantic"
)

// ValidationError carries every problem found in one response.
type ValidationError struct {
	Kind     Kind
	Schema   []SchemaError
	Problems []string
}

func (e *ValidationError) Error() string {
	if e.Kind == KindSchema {
		msgs := make([]string, 0, len(e.Schema))
		for _, se := range e.Schema {
			msgs = append(msgs, se.Path+": "+se.Message)
		}
		return "schema validation failed: " + strings.Join(msgs, "; ")
	}
	return "response validation failed: " + strings.Join(e.Problems, "; ")
}

// Details renders the problems as JSON for the corrective observation.
func (e *ValidationError) Details() string {
	var v any = e.Problems
	if e.Kind == KindSchema {
		v = e.Schema
	}
	data, err := json.Marshal(v)
	if err != nil {
		return e.Error()
	}
	return string(data)
}

// Validator checks parsed responses against the embedded schema and the
// plan semantics.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load response schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate runs schema validation, then semantic validation, on a value
// produced by Recover.
func (v *Validator) Validate(value any) (*Response, *ValidationError) {
	if err := v.schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Kind: KindSchema, Schema: flattenSchemaErrors(ve)}
		}
		return nil, &ValidationError{Kind: KindSchema, Schema: []SchemaError{{
			Path:    "$",
			Message: err.Error(),
		}}}
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, &ValidationError{Kind: KindSchema, Schema: []SchemaError{{Path: "$", Message: err.Error()}}}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return nil, &ValidationError{Kind: KindSchema, Schema: []SchemaError{{Path: "$", Message: err.Error()}}}
	}

	if problems := semanticProblems(resp); len(problems) > 0 {
		return nil, &ValidationError{Kind: KindSemantic, Problems: problems}
	}
	return &resp, nil
}

func flattenSchemaErrors(root *jsonschema.ValidationError) []SchemaError {
	var out []SchemaError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, SchemaError{
				Path:         pointerToPath(e.InstanceLocation),
				Message:      e.Message,
				Keyword:      lastSegment(e.KeywordLocation),
				InstancePath: e.InstanceLocation,
				Params:       map[string]any{"schemaPath": e.KeywordLocation},
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(root)
	return out
}

func lastSegment(pointer string) string {
	if i := strings.LastIndex(pointer, "/"); i >= 0 {
		return pointer[i+1:]
	}
	return pointer
}

// pointerToPath renders a JSON pointer like /plan/0/status as $.plan[0].status.
func pointerToPath(pointer string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(strings.TrimPrefix(pointer, "#"), "/") {
		if seg == "" {
			continue
		}
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("." + seg)
	}
	return b.String()
}

func semanticProblems(resp Response) []string {
	var problems []string
	ids := make(map[string]plan.Status, len(resp.Plan))
	open := 0
	for _, s := range resp.Plan {
		if _, dup := ids[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = s.Status
		if !s.Status.Terminal() {
			open++
		}
	}
	if resp.Done && open > 0 {
		problems = append(problems, fmt.Sprintf("response claims the task is done but %d plan step(s) are still open", open))
	}
	if cycle := findCycle(resp.Plan, ids); cycle != nil {
		problems = append(problems, "dependency cycle between open steps: "+strings.Join(cycle, " -> "))
	}
	return problems
}

// findCycle looks for a waitingForId cycle among non-terminal steps and
// returns it as a closed path, or nil.
func findCycle(steps []StepDraft, status map[string]plan.Status) []string {
	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		if s.Status.Terminal() {
			continue
		}
		for _, dep := range s.WaitingForID {
			if st, ok := status[dep]; ok && !st.Terminal() {
				edges[s.ID] = append(edges[s.ID], dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(edges))
	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range edges[id] {
			switch state[dep] {
			case visiting:
				for i, v := range stack {
					if v == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}
	for _, s := range steps {
		if state[s.ID] == unvisited {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
