package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/supportdesk/deflection-engine/pkg/circuitbreaker"
)

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(CacheHits.WithLabelValues("test"))
	misses := testutil.ToFloat64(CacheMisses.WithLabelValues("test"))

	RecordCacheLookup("test", true)
	RecordCacheLookup("test", false)
	RecordCacheLookup("test", false)

	assert.Equal(t, hits+1, testutil.ToFloat64(CacheHits.WithLabelValues("test")))
	assert.Equal(t, misses+2, testutil.ToFloat64(CacheMisses.WithLabelValues("test")))
}

func TestRecordUsage(t *testing.T) {
	RecordUsage("m-test", 700, 300, 0.00028)

	assert.Equal(t, 700.0, testutil.ToFloat64(LLMTokensUsed.WithLabelValues("m-test", "prompt")))
	assert.Equal(t, 300.0, testutil.ToFloat64(LLMTokensUsed.WithLabelValues("m-test", "completion")))
	assert.InDelta(t, 0.00028, testutil.ToFloat64(LLMCost.WithLabelValues("m-test")), 1e-12)
}

func TestBreakerStateChanged(t *testing.T) {
	BreakerStateChanged("llm-test", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(BreakerState.WithLabelValues("llm-test")))

	BreakerStateChanged("llm-test", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerState.WithLabelValues("llm-test")))
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}
