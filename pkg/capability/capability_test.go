package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/pkg/schema"
)

func testTools() []schema.ToolSpec {
	return []schema.ToolSpec{
		{Name: "SetSpeed", Description: "Set the pump speed in rpm"},
		{Name: "StartPump", Description: "Start the coolant pump"},
		{Name: "StopPump", Description: "Stop the coolant pump"},
		{Name: "SetTemperature", Description: "Set the target temperature in celsius"},
		{Name: "ReadTemperature", Description: "Read the current temperature"},
		{Name: "EmergencyStop", Description: "Immediately halt all actuation"},
	}
}

func TestSearch_RanksRelevantToolsFirst(t *testing.T) {
	idx := NewIndex(testTools())

	hits := idx.Search("set the pump speed to 1200 rpm", 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "SetSpeed", hits[0].Spec.Name)

	hits = idx.Search("what is the temperature right now", 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "ReadTemperature", hits[0].Spec.Name)
}

func TestSearch_TopKAndNoOverlap(t *testing.T) {
	idx := NewIndex(testTools())

	hits := idx.Search("pump", 2)
	assert.LessOrEqual(t, len(hits), 2)
	for _, h := range hits {
		assert.Contains(t, []string{"StartPump", "StopPump", "SetSpeed"}, h.Spec.Name)
	}

	assert.Empty(t, idx.Search("recite a poem about databases", 3))
	assert.Nil(t, idx.Search("pump", 0))
}

func TestSearch_CamelCaseTokenization(t *testing.T) {
	idx := NewIndex(testTools())
	hits := idx.Search("emergency stop everything", 2)
	require.NotEmpty(t, hits)
	assert.Equal(t, "EmergencyStop", hits[0].Spec.Name)
}

func TestByName(t *testing.T) {
	idx := NewIndex(testTools())
	spec, ok := idx.ByName("SetSpeed")
	require.True(t, ok)
	assert.Equal(t, "SetSpeed", spec.Name)

	// Returned spec is a copy.
	spec.Description = "mutated"
	again, _ := idx.ByName("SetSpeed")
	assert.NotEqual(t, "mutated", again.Description)

	_, ok = idx.ByName("Nope")
	assert.False(t, ok)
}
