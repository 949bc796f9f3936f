// Package tracker defines the boundary interface to the external issue
// tracker and the webhook payload shape it pushes to the control plane.
package tracker

import (
	"context"
	"strings"

	"dispatchd/internal/ticket"
)

// Tracker is the external issue-tracker boundary the dispatcher polls and
// reports back to. Concrete clients (Linear, Jira, ...) live outside this
// module; the core only depends on this interface.
type Tracker interface {
	PollActionable(ctx context.Context, projectDir string) ([]ticket.Ticket, error)
	ClaimTicket(ctx context.Context, key string) error
	TransitionTicket(ctx context.Context, key string, status ticket.Status) error
}

// SyntheticCheckKey is the key used for the synthetic poll placeholder
// ticket dispatched when the queue is empty and no real poll candidates are
// available, matching the original's unconditional LINEAR_CHECK fallback
// ticket. The ticket carries no real tracker state; the agent runtime
// interprets it as "go look for actionable work yourself".
const SyntheticCheckKey = "LINEAR_CHECK"

// SyntheticCheckTicket builds the synthetic poll placeholder.
func SyntheticCheckTicket() ticket.Ticket {
	return ticket.Ticket{
		Key:    SyntheticCheckKey,
		Title:  "Check for actionable tickets",
		Status: ticket.StatusTodo,
	}
}

// Unavailable is a Tracker that never polls for work, relying entirely on
// the webhook queue and the synthetic poll placeholder. It is the default
// when no concrete tracker client (Linear, Jira, ...) has been wired — the
// daemon still runs, driven purely by /webhook/linear deliveries.
type Unavailable struct{}

func (Unavailable) PollActionable(_ context.Context, _ string) ([]ticket.Ticket, error) {
	return nil, nil
}

func (Unavailable) ClaimTicket(_ context.Context, _ string) error { return nil }

func (Unavailable) TransitionTicket(_ context.Context, _ string, _ ticket.Status) error {
	return nil
}

// actionableStates are the tracker workflow states a webhook-delivered
// ticket must be in to be enqueued.
var actionableStates = map[string]bool{
	"todo": true, "backlog": true, "triage": true,
}

// WebhookPayload is the JSON shape the control plane's /webhook/linear
// endpoint accepts.
type WebhookPayload struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		Identifier  string `json:"identifier"`
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    any    `json:"priority"`
		State       struct {
			Name string `json:"name"`
		} `json:"state"`
		Labels struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"labels"`
	} `json:"data"`
}

// ToTicket converts an actionable webhook payload into a Ticket. Callers
// must check Actionable first.
func (p WebhookPayload) ToTicket() ticket.Ticket {
	key := p.Data.Identifier
	if key == "" {
		key = p.Data.ID
	}

	labels := make([]string, 0, len(p.Data.Labels.Nodes))
	for _, n := range p.Data.Labels.Nodes {
		labels = append(labels, n.Name)
	}

	priority := ""
	if p.Data.Priority != nil {
		if s, ok := p.Data.Priority.(string); ok {
			priority = s
		}
	}

	return ticket.Ticket{
		Key:         key,
		Title:       p.Data.Title,
		Description: p.Data.Description,
		Status:      ticket.StatusTodo,
		Priority:    priority,
		Labels:      labels,
	}
}

// Actionable reports whether this payload should be enqueued: it must be an
// Issue event, a create or update action, and in an actionable workflow
// state (todo/backlog/triage), matching _handle_linear_webhook's filter.
func (p WebhookPayload) Actionable() (bool, string) {
	if p.Type != "Issue" {
		return false, "not an issue event"
	}
	if p.Action != "create" && p.Action != "update" {
		return false, "action not create/update"
	}
	state := strings.ToLower(p.Data.State.Name)
	if !actionableStates[state] {
		return false, "state not actionable"
	}
	return true, ""
}
