// Package routing turns a scored response into a terminal decision state.
package routing

import (
	"fmt"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

// transitions lists every legal move of the per-ticket state machine.
var transitions = map[models.DecisionState][]models.DecisionState{
	models.StateReceived: {models.StateGatedOut, models.StateAnalyzed},
	models.StateAnalyzed: {models.StateAutoResolved, models.StateEscalated, models.StateFollowUp},
}

type TransitionError struct {
	From models.DecisionState
	To   models.DecisionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Transition validates a move and returns the new state.
func Transition(from, to models.DecisionState) (models.DecisionState, error) {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, &TransitionError{From: from, To: to}
}

type Decision struct {
	State      models.DecisionState
	CanDeflect bool
	Reason     string
}

// CanDeflect is true only for an auto_resolve answer at or above the confidence
// threshold that does not need a human.
func CanDeflect(resp *models.GeneratedResponse, requiresHuman bool, s *models.DeflectionSettings) bool {
	return resp.Type == models.ResponseAutoResolve &&
		resp.Confidence >= s.ConfidenceThreshold &&
		!requiresHuman
}

// Route picks the terminal state for an analyzed ticket.
func Route(resp *models.GeneratedResponse, requiresHuman bool, s *models.DeflectionSettings) Decision {
	if CanDeflect(resp, requiresHuman, s) {
		return Decision{
			State:      models.StateAutoResolved,
			CanDeflect: true,
			Reason:     fmt.Sprintf("Auto-resolved with confidence %.2f", resp.Confidence),
		}
	}

	if requiresHuman {
		return Decision{State: models.StateEscalated, Reason: "Requires human review"}
	}
	if resp.Confidence < s.EscalationThreshold {
		return Decision{
			State:  models.StateEscalated,
			Reason: fmt.Sprintf("Confidence %.2f below escalation threshold %.2f", resp.Confidence, s.EscalationThreshold),
		}
	}

	return Decision{
		State:  models.StateFollowUp,
		Reason: fmt.Sprintf("Follow-up needed (type %s, confidence %.2f)", resp.Type, resp.Confidence),
	}
}
