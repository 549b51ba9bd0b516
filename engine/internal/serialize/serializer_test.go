package serialize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/engine/models"
)

func sampleEvent() models.Event {
	return models.Event{
		Name:        "page.view",
		TenantToken: "T1",
		Priority:    models.PriorityNormal,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Properties: map[string]models.Property{
			"count":     models.Int64Prop(42),
			"name":      models.StringProp("hello"),
			"ratio":     models.Float64Prop(0.5),
			"active":    models.BoolProp(true),
			"requestId": models.GUIDProp("a1b2c3d4"),
			"region":    models.StringProp("us-west"),
			"attempt":   models.Int64Prop(3),
		},
	}
}

// TestCompactSerializerDeterministic serializes the same event many times:
// a map-keyed encoding would randomize property order run to run, so a
// handful of properties gives only even odds of catching that regression.
// Many runs over many keys makes a nondeterministic encoder fail reliably.
func TestCompactSerializerDeterministic(t *testing.T) {
	s := NewCompact()
	first, err := s.Serialize(sampleEvent())
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		r, err := s.Serialize(sampleEvent())
		require.NoError(t, err)
		assert.Equal(t, first.Bytes, r.Bytes, "iteration %d produced different bytes", i)
	}
	assert.Equal(t, "T1", first.TenantToken)
	assert.Equal(t, models.PriorityNormal, first.Priority)
}

func TestCompactSerializerRejectsMissingTenant(t *testing.T) {
	s := NewCompact()
	ev := sampleEvent()
	ev.TenantToken = ""
	_, err := s.Serialize(ev)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.SerializeError))
}

func TestAppInsightsSerializerDeterministic(t *testing.T) {
	s := NewAppInsights()
	first, err := s.Serialize(sampleEvent())
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		r, err := s.Serialize(sampleEvent())
		require.NoError(t, err)
		assert.Equal(t, first.Bytes, r.Bytes, "iteration %d produced different bytes", i)
	}
}

func TestAppInsightsSerializerSplitsMeasurements(t *testing.T) {
	s := NewAppInsights()
	r, err := s.Serialize(sampleEvent())
	require.NoError(t, err)
	assert.Contains(t, string(r.Bytes), `"count":42`)
	assert.Contains(t, string(r.Bytes), `"name":"hello"`)
}
