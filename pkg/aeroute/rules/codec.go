package rules

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire tags for the "type" discriminator.
const (
	TypeNumeric      = "numeric"
	TypeComposite    = "composite"
	TypeRouteProfile = "route_profile"
	TypeAssert       = "ASSERT"
	TypeModify       = "MODIFY"
	TypeRetract      = "RETRACT"
)

type numericJSON struct {
	Type     string  `json:"type"`
	Variable string  `json:"variable"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

type compositeJSON struct {
	Type       string            `json:"type"`
	Operator   string            `json:"operator"`
	Conditions []json.RawMessage `json:"conditions"`
}

type profileJSON struct {
	Type              string            `json:"type"`
	DistanceRange     [2]float64        `json:"distance_range"`
	WeatherConditions []WeatherSeverity `json:"weather_conditions"`
}

// conditionEnvelope is decoded first to dispatch on the discriminator.
type conditionEnvelope struct {
	Type          string          `json:"type"`
	Variable      string          `json:"variable"`
	Operator      string          `json:"operator"`
	Value         json.RawMessage `json:"value"`
	Conditions    json.RawMessage `json:"conditions"`
	DistanceRange []float64       `json:"distance_range"`
	Weather       json.RawMessage `json:"weather_conditions"`
}

// MarshalCondition encodes a condition tree. The encoding is deterministic,
// so equal trees produce equal bytes.
func MarshalCondition(c Condition) ([]byte, error) {
	switch c := c.(type) {
	case Numeric:
		return json.Marshal(numericJSON{
			Type:     TypeNumeric,
			Variable: c.Variable,
			Operator: c.Operator,
			Value:    c.Value,
		})
	case Composite:
		children := make([]json.RawMessage, 0, len(c.Conditions))
		for i, child := range c.Conditions {
			raw, err := MarshalCondition(child)
			if err != nil {
				return nil, fmt.Errorf("condition %d: %w", i, err)
			}
			children = append(children, raw)
		}
		return json.Marshal(compositeJSON{
			Type:       TypeComposite,
			Operator:   c.Operator,
			Conditions: children,
		})
	case RouteProfile:
		weather := c.Weather
		if weather == nil {
			weather = []WeatherSeverity{}
		}
		return json.Marshal(profileJSON{
			Type:              TypeRouteProfile,
			DistanceRange:     [2]float64{c.DistanceMin, c.DistanceMax},
			WeatherConditions: weather,
		})
	case UnknownCondition:
		if len(c.Raw) == 0 {
			return []byte("null"), nil
		}
		return c.Raw, nil
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unsupported condition %T", c)
	}
}

// UnmarshalCondition decodes a condition tree. Shapes that carry no known
// discriminator decode to UnknownCondition rather than failing; only
// malformed JSON is an error. A missing discriminator next to a
// distance_range is read as a route profile.
func UnmarshalCondition(data []byte) (Condition, error) {
	var env conditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}

	switch strings.ToLower(env.Type) {
	case TypeNumeric:
		var value float64
		if len(env.Value) > 0 {
			if err := json.Unmarshal(env.Value, &value); err != nil {
				return UnknownCondition{Raw: copyBytes(data)}, nil
			}
		}
		return Numeric{Variable: env.Variable, Operator: env.Operator, Value: value}, nil

	case TypeComposite:
		var raws []json.RawMessage
		if len(env.Conditions) > 0 {
			if err := json.Unmarshal(env.Conditions, &raws); err != nil {
				return nil, fmt.Errorf("decode composite children: %w", err)
			}
		}
		children := make([]Condition, 0, len(raws))
		for _, raw := range raws {
			child, err := UnmarshalCondition(raw)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return Composite{Operator: strings.ToUpper(env.Operator), Conditions: children}, nil

	case TypeRouteProfile, "":
		if len(env.DistanceRange) != 2 {
			return UnknownCondition{Raw: copyBytes(data)}, nil
		}
		var weather []WeatherSeverity
		if len(env.Weather) > 0 {
			if err := json.Unmarshal(env.Weather, &weather); err != nil {
				return nil, fmt.Errorf("decode weather conditions: %w", err)
			}
		}
		return RouteProfile{
			DistanceMin: env.DistanceRange[0],
			DistanceMax: env.DistanceRange[1],
			Weather:     weather,
		}, nil

	default:
		return UnknownCondition{Raw: copyBytes(data)}, nil
	}
}

type assertJSON struct {
	Type  string `json:"type"`
	Facts []Fact `json:"facts"`
}

type modifyJSON struct {
	Type          string         `json:"type"`
	Modifications []Modification `json:"modifications"`
}

type retractJSON struct {
	Type  string   `json:"type"`
	Facts []string `json:"facts"`
}

// MarshalAction encodes an action.
func MarshalAction(a Action) ([]byte, error) {
	switch a := a.(type) {
	case Assert:
		facts := a.Facts
		if facts == nil {
			facts = []Fact{}
		}
		return json.Marshal(assertJSON{Type: TypeAssert, Facts: facts})
	case Modify:
		mods := a.Modifications
		if mods == nil {
			mods = []Modification{}
		}
		return json.Marshal(modifyJSON{Type: TypeModify, Modifications: mods})
	case Retract:
		names := a.Facts
		if names == nil {
			names = []string{}
		}
		return json.Marshal(retractJSON{Type: TypeRetract, Facts: names})
	case UnknownAction:
		if len(a.Raw) == 0 {
			return []byte("null"), nil
		}
		return a.Raw, nil
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unsupported action %T", a)
	}
}

// UnmarshalAction decodes an action. Unknown discriminators decode to
// UnknownAction.
func UnmarshalAction(data []byte) (Action, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	switch strings.ToUpper(env.Type) {
	case TypeAssert:
		var a assertJSON
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode assert: %w", err)
		}
		return Assert{Facts: a.Facts}, nil
	case TypeModify:
		var m modifyJSON
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode modify: %w", err)
		}
		return Modify{Modifications: m.Modifications}, nil
	case TypeRetract:
		var r retractJSON
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode retract: %w", err)
		}
		return Retract{Facts: r.Facts}, nil
	default:
		return UnknownAction{Raw: copyBytes(data)}, nil
	}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
