// Package ticket defines the unit of work the dispatcher routes and executes.
package ticket

import "strings"

// Status mirrors the tracker's lifecycle states for a ticket.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Complexity is an estimated or declared size for a ticket. Unset tickets
// default to Medium until the router's estimator overrides it.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// PoolType is the static set of worker pools a ticket can be routed to.
type PoolType string

const (
	PoolCoding PoolType = "coding"
	PoolReview PoolType = "review"
	PoolLinear PoolType = "linear"
)

// ParsePoolType resolves a free-form pool name, defaulting unknown or empty
// names to PoolCoding. This matches RoutingRule.from_dict's behavior in the
// original daemon.
func ParsePoolType(name string) (PoolType, bool) {
	switch PoolType(strings.ToLower(strings.TrimSpace(name))) {
	case PoolCoding:
		return PoolCoding, true
	case PoolReview:
		return PoolReview, true
	case PoolLinear:
		return PoolLinear, true
	default:
		return PoolCoding, false
	}
}

// Ticket is an immutable unit of work. Identity, equality, and hashing are by
// Key alone; every other field is informational and never consulted for
// identity comparisons.
type Ticket struct {
	Key         string
	Title       string
	Description string
	Status      Status
	Priority    string
	Complexity  Complexity
	Labels      []string
}

// HasLabel reports whether the ticket carries the given label, case-insensitively.
func (t Ticket) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// HasAnyLabel reports whether the ticket carries any of the given labels.
func (t Ticket) HasAnyLabel(labels ...string) bool {
	for _, l := range labels {
		if t.HasLabel(l) {
			return true
		}
	}
	return false
}

// Equal compares two tickets by Key only, matching the original's
// __eq__/__hash__ restricted to the key field.
func (t Ticket) Equal(other Ticket) bool {
	return t.Key == other.Key
}
