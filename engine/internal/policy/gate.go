// Package policy implements the Policy Gate: the first pipeline stage,
// applying trace-level filtering, tenant acceptance, PII handling, and
// UTC-mode enforcement to a submitted Event before it reaches the
// Serializer.
package policy

import (
	"regexp"
	"sync"
	"sync/atomic"

	"beacon/engine/models"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// DropReason identifies why the gate discarded an event; drop is not an
// error, it only increments a reason-tagged counter.
type DropReason string

const (
	DropOffPriority    DropReason = "off_priority"
	DropInvalidName    DropReason = "invalid_name"
	DropTraceLevel     DropReason = "trace_level"
	DropTenantRejected DropReason = "tenant_rejected"
	DropMissingPrivacyTag DropReason = "missing_privacy_tag"
)

// Config controls gate behavior; fields are read on every Allow call so a
// config hot-reload (minimumTraceLevel, traceLevelMask) takes effect
// without reconstructing the gate. sample.rate is not a gate field; the
// engine applies sampling before calling Allow.
type Config struct {
	MultiTenantEnabled bool
	AllowedTenants     map[string]struct{}
	MinimumTraceLevel  int
	TraceLevelMask     int
	UTCModeActive      bool
}

// Gate is the Policy Gate. Counts returns a snapshot of its atomic
// per-reason drop counters, read by the stats-interval diagnostic feed.
type Gate struct {
	mu     sync.RWMutex
	cfg    Config
	counts map[DropReason]*atomic.Uint64
}

// New builds a Policy Gate with the given initial configuration.
func New(cfg Config) *Gate {
	g := &Gate{cfg: cfg, counts: make(map[DropReason]*atomic.Uint64)}
	for _, r := range []DropReason{DropOffPriority, DropInvalidName, DropTraceLevel, DropTenantRejected, DropMissingPrivacyTag} {
		g.counts[r] = &atomic.Uint64{}
	}
	return g
}

// SetConfig replaces the gate's live configuration (used by the config
// hot-reload watcher).
func (g *Gate) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Counts returns a point-in-time snapshot of drop counters by reason.
func (g *Gate) Counts() map[DropReason]uint64 {
	out := make(map[DropReason]uint64, len(g.counts))
	for r, c := range g.counts {
		out[r] = c.Load()
	}
	return out
}

func (g *Gate) drop(reason DropReason) {
	if c, ok := g.counts[reason]; ok {
		c.Add(1)
	}
}

// Allow runs the Policy Gate pipeline stage. It returns the (possibly
// modified) event and true if the event should continue to the Serializer,
// or the zero Event and false if it was dropped.
func (g *Gate) Allow(ev models.Event) (models.Event, bool) {
	if ev.Priority == models.PriorityOff {
		g.drop(DropOffPriority)
		return models.Event{}, false
	}
	if !nameRe.MatchString(ev.Name) {
		g.drop(DropInvalidName)
		return models.Event{}, false
	}

	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	// (a) trace-level mask filter: drop events more verbose than the
	// configured minimum, or excluded by the category mask.
	if ev.Level > cfg.MinimumTraceLevel {
		g.drop(DropTraceLevel)
		return models.Event{}, false
	}
	if cfg.TraceLevelMask != 0 && (1<<uint(ev.Level))&cfg.TraceLevelMask == 0 {
		g.drop(DropTraceLevel)
		return models.Event{}, false
	}

	// (b) tenant acceptance.
	if !cfg.MultiTenantEnabled {
		if _, ok := cfg.AllowedTenants[ev.TenantToken]; !ok {
			g.drop(DropTenantRejected)
			return models.Event{}, false
		}
	}

	out := ev.Clone()

	// (c) PII policy.
	if out.Policy.Has(models.PolicyDropPII) {
		for k, p := range out.Properties {
			if p.PII != models.PiiNone {
				delete(out.Properties, k)
			}
		}
	}
	// mark-pii: properties retain their tags; the serializer emits them.

	// (d) UTC-mode enforcement.
	if cfg.UTCModeActive && out.PrivacyTag == "" {
		g.drop(DropMissingPrivacyTag)
		return models.Event{}, false
	}

	return out, true
}
