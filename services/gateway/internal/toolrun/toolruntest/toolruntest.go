// Package toolruntest provides a scripted toolrun.Runner for tests.
package toolruntest

import (
	"context"
	"sync"

	"nilgw/services/gateway/internal/toolrun"
)

// Runner records every command and answers with Fn. A nil Fn returns an
// empty successful Result.
type Runner struct {
	Fn func(ctx context.Context, cmd toolrun.Command) (toolrun.Result, error)

	mu    sync.Mutex
	calls []toolrun.Command
}

func (r *Runner) Run(ctx context.Context, cmd toolrun.Command) (toolrun.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.Fn == nil {
		return toolrun.Result{}, nil
	}
	return r.Fn(ctx, cmd)
}

// Calls returns a copy of the recorded commands.
func (r *Runner) Calls() []toolrun.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]toolrun.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reply returns an Fn that always answers with res and err.
func Reply(res toolrun.Result, err error) func(context.Context, toolrun.Command) (toolrun.Result, error) {
	return func(context.Context, toolrun.Command) (toolrun.Result, error) {
		return res, err
	}
}
