// Package models defines the wire and storage data model for the telemetry
// core: events as submitted by callers, the records derived from them at
// each pipeline stage, and the bookkeeping types the offline store and
// transmitter use to track an item's lifecycle.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders events for store eviction and transmitter scheduling.
// Off is dropped before serialization; Immediate is never evicted ahead of
// a lower priority.
type Priority int

const (
	PriorityOff Priority = iota
	PriorityBackground
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityOff:
		return "off"
	case PriorityBackground:
		return "background"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// PiiKind classifies the kind of personally identifiable data a property
// value carries, mirroring the tagging scheme of the original SDK.
type PiiKind int

const (
	PiiNone PiiKind = iota
	PiiDistinguishedName
	PiiGenericData
	PiiIPv4
	PiiIPv6
	PiiMailSubject
	PiiPhone
	PiiQueryString
	PiiSip
	PiiSmtp
	PiiIdentity
	PiiURI
	PiiFQDN
)

// PolicyBit is a per-event flag controlling downstream handling.
type PolicyBit uint32

const (
	PolicyMarkPII PolicyBit = 1 << iota
	PolicyDropPII
)

// Has reports whether every bit in mask is set.
func (p PolicyBit) Has(mask PolicyBit) bool { return p&mask == mask }

// ValueKind tags the dynamic type carried by a Property.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueInt64
	ValueFloat64
	ValueBool
	ValueGUID
	ValueTimeTicks
)

// Property is a single typed, optionally PII-tagged event field.
type Property struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	GUID  string
	Ticks time.Time
	PII   PiiKind
}

func StringProp(v string) Property    { return Property{Kind: ValueString, Str: v} }
func Int64Prop(v int64) Property      { return Property{Kind: ValueInt64, Int: v} }
func Float64Prop(v float64) Property  { return Property{Kind: ValueFloat64, Float: v} }
func BoolProp(v bool) Property        { return Property{Kind: ValueBool, Bool: v} }
func GUIDProp(v string) Property      { return Property{Kind: ValueGUID, GUID: v} }
func TimeTicksProp(v time.Time) Property { return Property{Kind: ValueTimeTicks, Ticks: v} }

// WithPII returns a copy of the property tagged with the given PII kind.
func (p Property) WithPII(kind PiiKind) Property {
	p.PII = kind
	return p
}

// Event is a named record submitted by an application. Name, TenantToken and
// Priority are validated by the Policy Gate; Off-priority events never reach
// the Serializer.
type Event struct {
	Name       string
	TenantToken string
	Priority   Priority
	// Level is the diagnostic trace level (0-6) used by the Policy Gate's
	// trace-level mask filter; lower is more severe, matching minimumTraceLevel.
	Level      int
	Timestamp  time.Time
	Properties map[string]Property
	Policy     PolicyBit
	// PrivacyTag marks the event as UTC-mode compliant; required when UTC
	// mode is active, per the Policy Gate's UTC-mode enforcement step.
	PrivacyTag string
}

// Clone returns a deep-enough copy safe for the Policy Gate to mutate
// (property map and backing slice) without aliasing the caller's event.
func (e Event) Clone() Event {
	cp := e
	cp.Properties = make(map[string]Property, len(e.Properties))
	for k, v := range e.Properties {
		cp.Properties[k] = v
	}
	return cp
}

// SerializedRecord is the Serializer's output: opaque bytes plus the
// routing and sizing metadata the Packager and Offline Store need without
// re-parsing the payload.
type SerializedRecord struct {
	Bytes        []byte
	TenantToken  string
	Priority     Priority
	OriginalSize int
}

// Package groups SerializedRecords that share a tenant token for framing in
// a single transmission attempt.
type Package struct {
	TenantToken string
	Records     []SerializedRecord
}

// PersistedItem is a row in the offline store.
type PersistedItem struct {
	ID          string
	Priority    Priority
	TenantToken string
	Bytes       []byte
	InsertionSeq uint64
	RetryCount  int
	ReservedBy  string
}

// NewItemID generates a store row identifier.
func NewItemID() string { return uuid.NewString() }

// ReleaseOutcome is the disposition of a TransmitAttempt as reported back to
// the offline store via release().
type ReleaseOutcome int

const (
	Accepted ReleaseOutcome = iota
	RejectedPermanent
	RejectedRetryable
	NetworkFailure
	LocalFailure
	Aborted
	// Deferred clears a reservation without bumping RetryCount: the record
	// was never attempted (it didn't fit in the current dispatch's
	// maxBlobSize budget), so it is simply returned to the store for the
	// next dispatch cycle rather than treated as a failed attempt.
	Deferred
)

func (o ReleaseOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedPermanent:
		return "rejected-permanent"
	case RejectedRetryable:
		return "rejected-retryable"
	case NetworkFailure:
		return "network-failure"
	case LocalFailure:
		return "local-failure"
	case Aborted:
		return "aborted"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// TransmitAttempt tracks a single in-flight upload.
type TransmitAttempt struct {
	AttemptID    string
	Endpoint     string
	PayloadBytes []byte
	RecordIDs    []string
	StartTime    time.Time
	Deadline     time.Time
}

// NewAttemptID generates a transmit attempt identifier.
func NewAttemptID() string { return uuid.NewString() }

// BackoffPolicyKind selects the delay growth function for a BackoffState.
type BackoffPolicyKind int

const (
	BackoffExponential BackoffPolicyKind = iota
	BackoffLinear
)

// BackoffPolicy is the parsed form of a `tpm.backoffConfig` string.
type BackoffPolicy struct {
	Kind       BackoffPolicyKind
	InitialMs  int64
	MaxMs      int64
	Factor     float64 // exponential only
	Jitter     float64 // exponential only, fraction in [0,1]
	StepMs     int64   // linear only
}

// BackoffState is the per-endpoint retry/backoff bookkeeping.
type BackoffState struct {
	Policy              BackoffPolicy
	CurrentDelay        time.Duration
	ConsecutiveFailures int
	NextAllowedTime      time.Time
}
