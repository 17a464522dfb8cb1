package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGoldenScenarios pins the full notification stream of each example
// scenario: delivery order, netting, batch numbering, and rendered
// values all have to match the checked-in trace.
func TestGoldenScenarios(t *testing.T) {
	names := []string{
		"rates-recompute",
		"grid-items",
		"fee-conflict",
		"panel-lifecycle",
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			scenario := loadTestScenario(t, name)
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

func TestTraceSnapshot_Bytes(t *testing.T) {
	idx := 2
	s := TraceSnapshot{
		Scenario: "sample",
		Trace: []TraceEvent{
			{Kind: EventChange, Path: "a/b", Value: "1", Old: "unset", Batch: 1},
			{Kind: EventInsert, Path: "a/rows", Index: &idx, Tag: "premium", Batch: 2},
			{Kind: EventGet, Path: "a/b", Value: "1"},
		},
	}

	data, err := s.Bytes()
	require.NoError(t, err)

	// byte-stable: a second render is identical
	again, err := s.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	// and round-trips
	var back TraceSnapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.Scenario, back.Scenario)
	require.Len(t, back.Trace, 3)
	assert.Equal(t, "premium", back.Trace[1].Tag)
	require.NotNil(t, back.Trace[1].Index)
	assert.Equal(t, 2, *back.Trace[1].Index)

	// step outcomes carry no batch
	assert.NotContains(t, string(data), `"batch": 0`)
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario := loadTestScenario(t, "rates-recompute")
	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.NoError(t, AssertGolden(t, "rates-recompute", result))
}
