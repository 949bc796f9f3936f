// Package agentruntime defines the boundary interface to whatever executes a
// ticket's actual work. The engine never needs to know if that is a coding
// agent, a review agent, or a planning agent — it only needs a status and a
// response string back.
package agentruntime

import "context"

// Status is the outcome of one agent session.
type Status string

const (
	StatusContinue Status = "continue"
	StatusError    Status = "error"
	StatusComplete Status = "complete"
)

// Result is what a session invocation returns to the dispatcher.
type Result struct {
	Status   Status
	Response string
}

// Runtime is the external agent-execution boundary. Implementations are
// free to shell out to any concrete coding-agent CLI; the dispatcher only
// depends on this interface.
type Runtime interface {
	RunSession(ctx context.Context, workdir, model, prompt string) (Result, error)
}

// Unavailable is a Runtime that always errors, used when no concrete runtime
// has been wired — it keeps the daemon startable (e.g. for control-plane-only
// smoke testing) without silently pretending to do work.
type Unavailable struct{}

func (Unavailable) RunSession(_ context.Context, _, _, _ string) (Result, error) {
	return Result{Status: StatusError, Response: "no agent runtime configured"}, nil
}
