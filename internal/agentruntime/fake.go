package agentruntime

import "context"

// Fake is a hand-rolled test double in the teacher's own mocking idiom
// (function-field structs that delegate if set, else return a default) — an
// unset RunSessionFunc yields a Result with StatusComplete;
// see services/codex_mocks.go in the example pack this was grounded on.
type Fake struct {
	RunSessionFunc func(ctx context.Context, workdir, model, prompt string) (Result, error)
}

func (f *Fake) RunSession(ctx context.Context, workdir, model, prompt string) (Result, error) {
	if f.RunSessionFunc != nil {
		return f.RunSessionFunc(ctx, workdir, model, prompt)
	}
	return Result{Status: StatusComplete}, nil
}
