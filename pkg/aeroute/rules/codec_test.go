package rules

import (
	"testing"
)

func TestUnmarshalCondition_NestedComposite(t *testing.T) {
	raw := []byte(`{
		"type": "composite",
		"operator": "or",
		"conditions": [
			{"type": "numeric", "variable": "wind", "operator": ">", "value": 40},
			{"type": "composite", "operator": "AND", "conditions": [
				{"type": "numeric", "variable": "visibility", "operator": "<", "value": 5}
			]}
		]
	}`)

	cond, err := UnmarshalCondition(raw)
	if err != nil {
		t.Fatalf("UnmarshalCondition: %v", err)
	}
	comp, ok := cond.(Composite)
	if !ok {
		t.Fatalf("expected Composite, got %T", cond)
	}
	if comp.Operator != Or {
		t.Errorf("operator should be normalized to OR, got %q", comp.Operator)
	}
	if len(comp.Conditions) != 2 {
		t.Fatalf("expected 2 children, got %d", len(comp.Conditions))
	}
	num, ok := comp.Conditions[0].(Numeric)
	if !ok || num.Variable != "wind" || num.Value != 40 {
		t.Errorf("unexpected first child: %#v", comp.Conditions[0])
	}
	if _, ok := comp.Conditions[1].(Composite); !ok {
		t.Errorf("expected nested Composite, got %T", comp.Conditions[1])
	}
}

func TestUnmarshalCondition_LegacyRouteProfile(t *testing.T) {
	// Rows written before the discriminator existed carry only the band.
	raw := []byte(`{"distance_range":[3576.6,4371.4],"weather_conditions":[{"type":"VISIBILITY","severity":"LOW"}]}`)

	cond, err := UnmarshalCondition(raw)
	if err != nil {
		t.Fatalf("UnmarshalCondition: %v", err)
	}
	p, ok := cond.(RouteProfile)
	if !ok {
		t.Fatalf("expected RouteProfile, got %T", cond)
	}
	if p.DistanceMin != 3576.6 || p.DistanceMax != 4371.4 {
		t.Errorf("unexpected band: %v..%v", p.DistanceMin, p.DistanceMax)
	}
	if len(p.Weather) != 1 || p.Weather[0].Severity != "LOW" {
		t.Errorf("unexpected weather: %+v", p.Weather)
	}
}

func TestUnmarshalCondition_UnknownShape(t *testing.T) {
	cond, err := UnmarshalCondition([]byte(`{"type":"regex","pattern":"^LAX"}`))
	if err != nil {
		t.Fatalf("unknown shapes should not error: %v", err)
	}
	if _, ok := cond.(UnknownCondition); !ok {
		t.Errorf("expected UnknownCondition, got %T", cond)
	}

	if _, err := UnmarshalCondition([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestMarshalCondition_Deterministic(t *testing.T) {
	p := RouteProfile{DistanceMin: 900, DistanceMax: 1100, Weather: []WeatherSeverity{{Type: "WIND_SPEED", Severity: "HIGH"}}}
	a, err := MarshalCondition(p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalCondition(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("encoding not deterministic:\n%s\n%s", a, b)
	}
	want := `{"type":"route_profile","distance_range":[900,1100],"weather_conditions":[{"type":"WIND_SPEED","severity":"HIGH"}]}`
	if string(a) != want {
		t.Errorf("got %s, want %s", a, want)
	}
}

func TestUnmarshalAction_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"assert", `{"type":"ASSERT","facts":[{"name":"fuel_stop","value":true}]}`, "Assert"},
		{"modify", `{"type":"MODIFY","modifications":[{"name":"eta","operation":"ADD","value":0.5}]}`, "Modify"},
		{"retract", `{"type":"RETRACT","facts":["eta"]}`, "Retract"},
		{"unknown", `{"type":"NOTIFY"}`, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := UnmarshalAction([]byte(tt.raw))
			if err != nil {
				t.Fatalf("UnmarshalAction: %v", err)
			}
			var got string
			switch a.(type) {
			case Assert:
				got = "Assert"
			case Modify:
				got = "Modify"
			case Retract:
				got = "Retract"
			case UnknownAction:
				got = "Unknown"
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestModificationApply(t *testing.T) {
	tests := []struct {
		mod    Modification
		in     float64
		want   float64
		wantOK bool
	}{
		{Modification{Operation: OpAdd, Value: 2}, 3, 5, true},
		{Modification{Operation: OpSubtract, Value: 2}, 3, 1, true},
		{Modification{Operation: OpMultiply, Value: 2}, 3, 6, true},
		{Modification{Operation: OpDivide, Value: 2}, 3, 1.5, true},
		{Modification{Operation: OpDivide, Value: 0}, 3, 3, false},
		{Modification{Value: 9}, 3, 9, true},
	}
	for _, tt := range tests {
		got, ok := tt.mod.Apply(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("%+v.Apply(%v) = (%v, %v), want (%v, %v)", tt.mod, tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestCompare(t *testing.T) {
	if !Compare(OpGE, 3, 3) || Compare(OpGT, 3, 3) || !Compare(OpEQ, 2, 2) {
		t.Error("comparison operators misbehave")
	}
	if Compare("!=", 1, 2) {
		t.Error("unknown operator should be false")
	}
}
