// Package lifecycle defines the content state machine and the transition
// guard that serializes status changes through compare-and-swap updates.
package lifecycle

import (
	"fmt"

	"publication-pipeline/internal/models"
)

// InvalidTransitionError signals a transition outside the allowed graph.
// It indicates a programming or race bug, never normal operation.
type InvalidTransitionError struct {
	ItemID string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for item %s", e.From, e.To, e.ItemID)
}

// allowed maps each state to the set of states reachable from it.
var allowed = map[string]map[string]bool{
	models.StatusDrafted: {
		models.StatusMediaReady: true,
		models.StatusRejected:   true,
	},
	models.StatusMediaReady: {
		models.StatusWaitingApproval: true,
		models.StatusScheduled:       true,
	},
	models.StatusWaitingApproval: {
		models.StatusScheduled: true,
		models.StatusRejected:  true,
	},
	models.StatusScheduled: {
		models.StatusPublishing: true,
	},
	models.StatusPublishing: {
		models.StatusPublished:      true,
		models.StatusRetryScheduled: true,
		models.StatusFailed:         true,
	},
	models.StatusRetryScheduled: {
		models.StatusPublishing: true,
		models.StatusFailed:     true,
	},
	// published, failed, rejected are terminal.
	models.StatusPublished: {},
	models.StatusFailed:    {},
	models.StatusRejected:  {},
}

// CanTransition reports whether from -> to is in the allowed graph.
func CanTransition(from, to string) bool {
	next, ok := allowed[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether no transition leaves the state.
func IsTerminal(state string) bool {
	next, ok := allowed[state]
	return ok && len(next) == 0
}

// KnownState reports whether the state appears in the graph at all.
func KnownState(state string) bool {
	_, ok := allowed[state]
	return ok
}
