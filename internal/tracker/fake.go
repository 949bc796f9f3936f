package tracker

import (
	"context"

	"dispatchd/internal/ticket"
)

// Fake is a hand-rolled test double matching the teacher's function-field
// mocking idiom (services/codex_mocks.go).
type Fake struct {
	PollActionableFunc   func(ctx context.Context, projectDir string) ([]ticket.Ticket, error)
	ClaimTicketFunc      func(ctx context.Context, key string) error
	TransitionTicketFunc func(ctx context.Context, key string, status ticket.Status) error
}

func (f *Fake) PollActionable(ctx context.Context, projectDir string) ([]ticket.Ticket, error) {
	if f.PollActionableFunc != nil {
		return f.PollActionableFunc(ctx, projectDir)
	}
	return nil, nil
}

func (f *Fake) ClaimTicket(ctx context.Context, key string) error {
	if f.ClaimTicketFunc != nil {
		return f.ClaimTicketFunc(ctx, key)
	}
	return nil
}

func (f *Fake) TransitionTicket(ctx context.Context, key string, status ticket.Status) error {
	if f.TransitionTicketFunc != nil {
		return f.TransitionTicketFunc(ctx, key, status)
	}
	return nil
}
