package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/engine/models"
)

func baseEvent() models.Event {
	return models.Event{
		Name:        "page.view",
		TenantToken: "T1",
		Priority:    models.PriorityNormal,
		Timestamp:   time.Now(),
		Properties:  map[string]models.Property{"k": models.StringProp("v")},
	}
}

func TestAllowPassesValidEvent(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true})
	out, ok := g.Allow(baseEvent())
	require.True(t, ok)
	assert.Equal(t, "page.view", out.Name)
}

func TestOffPriorityDropped(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true})
	ev := baseEvent()
	ev.Priority = models.PriorityOff
	_, ok := g.Allow(ev)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), g.Counts()[DropOffPriority])
}

func TestInvalidNameDropped(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true})
	ev := baseEvent()
	ev.Name = "bad name!"
	_, ok := g.Allow(ev)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), g.Counts()[DropInvalidName])
}

func TestTenantRejectedWhenMultiTenantDisabled(t *testing.T) {
	g := New(Config{MultiTenantEnabled: false, AllowedTenants: map[string]struct{}{"T2": {}}})
	_, ok := g.Allow(baseEvent())
	assert.False(t, ok)
	assert.Equal(t, uint64(1), g.Counts()[DropTenantRejected])
}

func TestTenantAcceptedWhenAllowlisted(t *testing.T) {
	g := New(Config{MultiTenantEnabled: false, AllowedTenants: map[string]struct{}{"T1": {}}})
	_, ok := g.Allow(baseEvent())
	assert.True(t, ok)
}

func TestDropPIIRemovesTaggedProperties(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true})
	ev := baseEvent()
	ev.Policy = models.PolicyDropPII
	ev.Properties["email"] = models.StringProp("a@b.com").WithPII(models.PiiSmtp)
	out, ok := g.Allow(ev)
	require.True(t, ok)
	_, hasEmail := out.Properties["email"]
	assert.False(t, hasEmail)
	_, hasK := out.Properties["k"]
	assert.True(t, hasK)
}

func TestMarkPIIRetainsTaggedProperties(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true})
	ev := baseEvent()
	ev.Policy = models.PolicyMarkPII
	ev.Properties["email"] = models.StringProp("a@b.com").WithPII(models.PiiSmtp)
	out, ok := g.Allow(ev)
	require.True(t, ok)
	assert.Equal(t, models.PiiSmtp, out.Properties["email"].PII)
}

func TestUTCModeDropsEventsWithoutPrivacyTag(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true, UTCModeActive: true})
	_, ok := g.Allow(baseEvent())
	assert.False(t, ok)
	assert.Equal(t, uint64(1), g.Counts()[DropMissingPrivacyTag])
}

func TestUTCModeAllowsEventsWithPrivacyTag(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true, UTCModeActive: true})
	ev := baseEvent()
	ev.PrivacyTag = "tag-1"
	_, ok := g.Allow(ev)
	assert.True(t, ok)
}

func TestTraceLevelMaskFiltersVerboseEvents(t *testing.T) {
	g := New(Config{MultiTenantEnabled: true, MinimumTraceLevel: 2})
	ev := baseEvent()
	ev.Level = 5
	_, ok := g.Allow(ev)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), g.Counts()[DropTraceLevel])
}

func TestSetConfigTakesEffectLive(t *testing.T) {
	g := New(Config{MultiTenantEnabled: false, AllowedTenants: map[string]struct{}{"T9": {}}})
	_, ok := g.Allow(baseEvent())
	require.False(t, ok)

	g.SetConfig(Config{MultiTenantEnabled: true})
	_, ok = g.Allow(baseEvent())
	assert.True(t, ok)
}
