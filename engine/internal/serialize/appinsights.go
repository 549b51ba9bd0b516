package serialize

import (
	"bytes"
	"encoding/json"
	"sort"

	"beacon/engine/models"
)

// aiEnvelope mirrors the Application Insights wire shape: a fixed envelope
// with a typed "data.baseData" payload carrying event name and properties
// as string-keyed maps (AI has no native typed property model).
type aiEnvelope struct {
	Name string        `json:"name"`
	Time string        `json:"time"`
	IKey string        `json:"iKey"`
	Data aiEnvelopeData `json:"data"`
}

type aiEnvelopeData struct {
	BaseType string      `json:"baseType"`
	BaseData aiEventData `json:"baseData"`
}

type aiEventData struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

// AppInsightsSerializer produces Application Insights-style JSON envelopes.
// Numeric properties are split into "measurements"; everything else is
// stringified into "properties", matching the AI SDK's convention.
type AppInsightsSerializer struct{}

func NewAppInsights() *AppInsightsSerializer { return &AppInsightsSerializer{} }

func (a *AppInsightsSerializer) Serialize(ev models.Event) (models.SerializedRecord, error) {
	if ev.Name == "" || ev.TenantToken == "" {
		return models.SerializedRecord{}, models.NewError(models.SerializeError, "missing name or tenant token", nil)
	}

	env := aiEnvelope{
		Name: "Microsoft.ApplicationInsights.Event",
		Time: ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		IKey: ev.TenantToken,
		Data: aiEnvelopeData{
			BaseType: "EventData",
			BaseData: aiEventData{
				Name:         ev.Name,
				Properties:   map[string]string{},
				Measurements: map[string]float64{},
			},
		},
	}

	keys := make([]string, 0, len(ev.Properties))
	for k := range ev.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := ev.Properties[k]
		switch p.Kind {
		case models.ValueInt64:
			env.Data.BaseData.Measurements[k] = float64(p.Int)
		case models.ValueFloat64:
			env.Data.BaseData.Measurements[k] = p.Float
		default:
			env.Data.BaseData.Properties[k] = propertyToString(p)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return models.SerializedRecord{}, models.NewError(models.SerializeError, "json encode failed", err)
	}
	b := bytes.TrimRight(buf.Bytes(), "\n")

	return models.SerializedRecord{
		Bytes:        b,
		TenantToken:  ev.TenantToken,
		Priority:     ev.Priority,
		OriginalSize: len(b),
	}, nil
}

func propertyToString(p models.Property) string {
	switch p.Kind {
	case models.ValueString:
		return p.Str
	case models.ValueGUID:
		return p.GUID
	case models.ValueBool:
		if p.Bool {
			return "true"
		}
		return "false"
	case models.ValueTimeTicks:
		return p.Ticks.UTC().Format("2006-01-02T15:04:05.000Z")
	default:
		return ""
	}
}
