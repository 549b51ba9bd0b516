package serialize

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"beacon/engine/models"
)

// CompactSerializer is the general-purpose encoder: a msgpack-encoded
// wireRecord. Map iteration in Go is randomized, so property keys are
// sorted before encoding to keep output deterministic for identical input.
type CompactSerializer struct{}

func NewCompact() *CompactSerializer { return &CompactSerializer{} }

func (c *CompactSerializer) Serialize(ev models.Event) (models.SerializedRecord, error) {
	if ev.Name == "" || ev.TenantToken == "" {
		return models.SerializedRecord{}, models.NewError(models.SerializeError, "missing name or tenant token", nil)
	}

	keys := make([]string, 0, len(ev.Properties))
	for k := range ev.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := wireRecord{
		Name:       ev.Name,
		Tenant:     ev.TenantToken,
		Priority:   int(ev.Priority),
		TimeUnixNs: ev.Timestamp.UnixNano(),
		Props:      make([]wireProp, 0, len(keys)),
		PrivacyTag: ev.PrivacyTag,
	}
	for _, k := range keys {
		rec.Props = append(rec.Props, wireProp{Key: k, Value: toWireValue(ev.Properties[k])})
	}

	b, err := msgpack.Marshal(rec)
	if err != nil {
		return models.SerializedRecord{}, models.NewError(models.SerializeError, "msgpack encode failed", err)
	}

	return models.SerializedRecord{
		Bytes:        b,
		TenantToken:  ev.TenantToken,
		Priority:     ev.Priority,
		OriginalSize: len(b),
	}, nil
}
