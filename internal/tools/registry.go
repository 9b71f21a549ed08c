package tools

import (
	"context"
)

// Kind names a command handler.
type Kind string

const (
	KindRead  Kind = "read"
	KindShell Kind = "shell"
)

type handler struct {
	kind    Kind
	match   func(Setup) bool
	execute func(context.Context, Setup) Result
}

// Registry dispatches a command to the first handler whose match accepts it.
// The shell executor is always last and matches everything.
type Registry struct {
	handlers []handler
	shell    *Executor
}

func NewRegistry(shell *Executor, reader *WorkspaceReader) *Registry {
	r := &Registry{shell: shell}
	if reader != nil {
		r.handlers = append(r.handlers, handler{
			kind:  KindRead,
			match: reader.match,
			execute: func(ctx context.Context, s Setup) Result {
				res := reader.execute(ctx, s)
				shell.finish(&res, s, res.Stdout, res.Stderr)
				return res
			},
		})
	}
	r.handlers = append(r.handlers, handler{
		kind:    KindShell,
		match:   func(Setup) bool { return true },
		execute: shell.Execute,
	})
	return r
}

// Match reports which handler would run setup.
func (r *Registry) Match(setup Setup) Kind {
	for _, h := range r.handlers {
		if h.match(setup) {
			return h.kind
		}
	}
	return KindShell
}

// Dispatch runs setup with the matching handler.
func (r *Registry) Dispatch(ctx context.Context, setup Setup) (Kind, Result) {
	for _, h := range r.handlers {
		if h.match(setup) {
			return h.kind, h.execute(ctx, setup)
		}
	}
	return KindShell, r.shell.Execute(ctx, setup)
}
