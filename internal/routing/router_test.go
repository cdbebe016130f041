package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

func settings(conf, esc float64) *models.DeflectionSettings {
	return &models.DeflectionSettings{AutoResponseEnabled: true, ConfidenceThreshold: conf, EscalationThreshold: esc}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name          string
		typ           models.ResponseType
		confidence    float64
		requiresHuman bool
		want          models.DecisionState
	}{
		{"confident auto resolve", models.ResponseAutoResolve, 0.95, false, models.StateAutoResolved},
		{"exactly at threshold", models.ResponseAutoResolve, 0.75, false, models.StateAutoResolved},
		{"auto resolve but needs human", models.ResponseAutoResolve, 0.99, true, models.StateEscalated},
		{"below escalation threshold", models.ResponseAutoResolve, 0.3, false, models.StateEscalated},
		{"between thresholds", models.ResponseAutoResolve, 0.6, false, models.StateFollowUp},
		{"confident follow up", models.ResponseFollowUp, 0.9, false, models.StateFollowUp},
		{"model asks to escalate with high confidence", models.ResponseEscalate, 0.9, false, models.StateFollowUp},
		{"model asks to escalate with low confidence", models.ResponseEscalate, 0.2, false, models.StateEscalated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &models.GeneratedResponse{Type: tt.typ, Confidence: tt.confidence, Content: "x"}
			got := Route(resp, tt.requiresHuman, settings(0.75, 0.5))

			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, tt.want == models.StateAutoResolved, got.CanDeflect)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestCanDeflect_ImpliesAllConditions(t *testing.T) {
	s := settings(0.8, 0.4)
	types := []models.ResponseType{models.ResponseAutoResolve, models.ResponseFollowUp, models.ResponseEscalate}

	for _, typ := range types {
		for c := 0; c <= 100; c++ {
			for _, human := range []bool{false, true} {
				resp := &models.GeneratedResponse{Type: typ, Confidence: float64(c) / 100}
				if CanDeflect(resp, human, s) {
					assert.Equal(t, models.ResponseAutoResolve, typ)
					assert.GreaterOrEqual(t, resp.Confidence, s.ConfidenceThreshold)
					assert.False(t, human)
				}
			}
		}
	}
}

func TestTransition(t *testing.T) {
	state, err := Transition(models.StateReceived, models.StateAnalyzed)
	require.NoError(t, err)
	assert.Equal(t, models.StateAnalyzed, state)

	_, err = Transition(models.StateAnalyzed, models.StateAutoResolved)
	require.NoError(t, err)

	_, err = Transition(models.StateReceived, models.StateAutoResolved)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.StateReceived, terr.From)

	_, err = Transition(models.StateAutoResolved, models.StateEscalated)
	assert.Error(t, err)
}
