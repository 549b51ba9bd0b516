// Package serialize implements the Serializer pipeline stage: pluggable
// conversion of a typed Event into opaque bytes plus a tenant token. Two
// canonical implementations are provided, mirroring the original SDK's
// "compact" (here msgpack) and "application-insights" (JSON) wire shapes;
// both are deterministic for a given input.
package serialize

import (
	"beacon/engine/models"
)

// Serializer converts an Event into a SerializedRecord, or fails with a
// SerializeError-kind error for malformed input.
type Serializer interface {
	Serialize(ev models.Event) (models.SerializedRecord, error)
}

// wireRecord is the msgpack-tagged shape shared by the compact encoder; the
// struct tags pin the wire layout independent of Go field order. Props is a
// key-sorted slice rather than a map: Go map iteration order is randomized,
// and msgpack.Marshal does not sort map keys on its own, so a map field
// would make the encoded bytes nondeterministic for identical input.
type wireRecord struct {
	Name       string     `msgpack:"n"`
	Tenant     string     `msgpack:"tt"`
	Priority   int        `msgpack:"p"`
	TimeUnixNs int64      `msgpack:"ts"`
	Props      []wireProp `msgpack:"props"`
	PrivacyTag string     `msgpack:"pt,omitempty"`
}

type wireProp struct {
	Key   string    `msgpack:"k"`
	Value wireValue `msgpack:"v"`
}

type wireValue struct {
	Kind  int     `msgpack:"k"`
	Str   string  `msgpack:"s,omitempty"`
	Int   int64   `msgpack:"i,omitempty"`
	Float float64 `msgpack:"f,omitempty"`
	Bool  bool    `msgpack:"b,omitempty"`
	Ticks int64   `msgpack:"t,omitempty"`
	PII   int     `msgpack:"pii,omitempty"`
}

func toWireValue(p models.Property) wireValue {
	wv := wireValue{Kind: int(p.Kind), PII: int(p.PII)}
	switch p.Kind {
	case models.ValueString, models.ValueGUID:
		if p.Kind == models.ValueGUID {
			wv.Str = p.GUID
		} else {
			wv.Str = p.Str
		}
	case models.ValueInt64:
		wv.Int = p.Int
	case models.ValueFloat64:
		wv.Float = p.Float
	case models.ValueBool:
		wv.Bool = p.Bool
	case models.ValueTimeTicks:
		wv.Ticks = p.Ticks.UnixNano()
	}
	return wv
}
