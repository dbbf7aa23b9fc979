package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cognicore/aeroute/pkg/aeroute/geo"
	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// Seed is reference data loaded into a store: airports, weather
// constraints, routes between seeded airports and rules.
type Seed struct {
	Airports           []store.Airport  `yaml:"airports"`
	WeatherConstraints []SeedConstraint `yaml:"weather_constraints"`
	Routes             []SeedRoute      `yaml:"routes"`
	Rules              []SeedRule       `yaml:"rules"`
}

type SeedConstraint struct {
	Type string  `yaml:"type"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Unit string  `yaml:"unit"`
}

// SeedRoute references airports by IATA code. Distance is always the
// great-circle distance; a zero Duration is derived from the cruise speed.
type SeedRoute struct {
	Origin      string  `yaml:"origin"`
	Destination string  `yaml:"destination"`
	Duration    float64 `yaml:"duration"`
}

// SeedRule carries condition and action trees in their stored JSON shape,
// written as YAML.
type SeedRule struct {
	Type      string         `yaml:"type"`
	Priority  int            `yaml:"priority"`
	Active    *bool          `yaml:"active,omitempty"`
	Condition map[string]any `yaml:"condition"`
	Action    map[string]any `yaml:"action"`
}

// SeedStats counts what Apply wrote.
type SeedStats struct {
	Airports           int
	WeatherConstraints int
	Routes             int
	Rules              int
}

// LoadSeed reads a YAML seed file, substituting environment references.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed([]byte(Expand(string(data))))
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w: %v", internalerr.ErrInvalidInput, err)
	}
	return &s, nil
}

// Records converts the seeded rules into store records.
func (s *Seed) Records() ([]store.RuleRecord, error) {
	out := make([]store.RuleRecord, 0, len(s.Rules))
	for i, r := range s.Rules {
		if r.Type == "" {
			return nil, fmt.Errorf("rule %d: type is required: %w", i, internalerr.ErrInvalidInput)
		}
		condJSON, err := json.Marshal(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d condition: %w", i, err)
		}
		cond, err := rules.UnmarshalCondition(condJSON)
		if err != nil {
			return nil, fmt.Errorf("rule %d condition: %w", i, err)
		}
		actJSON, err := json.Marshal(r.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %d action: %w", i, err)
		}
		act, err := rules.UnmarshalAction(actJSON)
		if err != nil {
			return nil, fmt.Errorf("rule %d action: %w", i, err)
		}
		active := true
		if r.Active != nil {
			active = *r.Active
		}
		out = append(out, store.RuleRecord{
			Type:      r.Type,
			Condition: cond,
			Action:    act,
			Priority:  r.Priority,
			Active:    active,
		})
	}
	return out, nil
}

// Apply upserts the seed into st. Rules are written with a zero conflict
// adjustment, so re-seeding leaves existing priorities alone.
func (s *Seed) Apply(ctx context.Context, st store.Store, averageSpeed float64) (SeedStats, error) {
	var stats SeedStats

	records, err := s.Records()
	if err != nil {
		return stats, err
	}

	ids := make(map[string]store.Airport, len(s.Airports))
	for _, a := range s.Airports {
		a.IATA = strings.ToUpper(strings.TrimSpace(a.IATA))
		if !a.Valid() {
			return stats, fmt.Errorf("airport %q: %w", a.IATA, internalerr.ErrInvalidInput)
		}
		id, err := st.UpsertAirport(ctx, a)
		if err != nil {
			return stats, fmt.Errorf("upsert airport %s: %w", a.IATA, err)
		}
		a.ID = id
		ids[a.IATA] = a
		stats.Airports++
	}

	for _, c := range s.WeatherConstraints {
		wc := store.WeatherConstraint{ConditionType: c.Type, Min: c.Min, Max: c.Max, Unit: c.Unit}
		if err := st.UpsertWeatherConstraint(ctx, wc); err != nil {
			return stats, fmt.Errorf("upsert weather constraint %s: %w", c.Type, err)
		}
		stats.WeatherConstraints++
	}

	if len(s.Routes) > 0 {
		// Routes may reference airports seeded earlier.
		existing, err := st.ListAirports(ctx)
		if err != nil {
			return stats, fmt.Errorf("list airports: %w", err)
		}
		for _, a := range existing {
			if _, ok := ids[a.IATA]; !ok {
				ids[a.IATA] = a
			}
		}
	}
	for _, r := range s.Routes {
		origin, ok := ids[strings.ToUpper(r.Origin)]
		if !ok {
			return stats, fmt.Errorf("route origin %s: %w", r.Origin, internalerr.ErrNotFound)
		}
		dest, ok := ids[strings.ToUpper(r.Destination)]
		if !ok {
			return stats, fmt.Errorf("route destination %s: %w", r.Destination, internalerr.ErrNotFound)
		}
		distance := geo.DistanceKM(
			geo.Point{Latitude: origin.Latitude, Longitude: origin.Longitude},
			geo.Point{Latitude: dest.Latitude, Longitude: dest.Longitude},
		)
		duration := r.Duration
		if duration <= 0 && averageSpeed > 0 {
			duration = distance / averageSpeed
		}
		if err := st.UpsertRoute(ctx, origin.ID, dest.ID, distance, duration); err != nil {
			return stats, fmt.Errorf("upsert route %s-%s: %w", origin.IATA, dest.IATA, err)
		}
		stats.Routes++
	}

	for _, r := range records {
		if err := st.UpsertRule(ctx, r, 0); err != nil {
			return stats, fmt.Errorf("upsert rule %s: %w", r.Type, err)
		}
		stats.Rules++
	}
	return stats, nil
}

// Export snapshots st as a seed: airports, weather constraints, routes and
// the active rules with their learned priorities.
func Export(ctx context.Context, st store.Store) (*Seed, error) {
	airports, err := st.ListAirports(ctx)
	if err != nil {
		return nil, fmt.Errorf("list airports: %w", err)
	}
	constraints, err := st.ListWeatherConstraints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list weather constraints: %w", err)
	}
	routes, err := st.ListRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	active, err := st.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	s := &Seed{Airports: airports}
	iata := make(map[int64]string, len(airports))
	for _, a := range airports {
		iata[a.ID] = a.IATA
	}
	for _, c := range constraints {
		s.WeatherConstraints = append(s.WeatherConstraints, SeedConstraint{
			Type: c.ConditionType, Min: c.Min, Max: c.Max, Unit: c.Unit,
		})
	}
	for _, r := range routes {
		origin, okO := iata[r.OriginID]
		dest, okD := iata[r.DestinationID]
		if !okO || !okD {
			continue
		}
		s.Routes = append(s.Routes, SeedRoute{Origin: origin, Destination: dest, Duration: r.TypicalDuration})
	}
	for _, r := range active {
		cond, err := toTree(rules.MarshalCondition(r.Condition))
		if err != nil {
			return nil, fmt.Errorf("rule %d condition: %w", r.ID, err)
		}
		act, err := toTree(rules.MarshalAction(r.Action))
		if err != nil {
			return nil, fmt.Errorf("rule %d action: %w", r.ID, err)
		}
		s.Rules = append(s.Rules, SeedRule{Type: r.Type, Priority: r.Priority, Condition: cond, Action: act})
	}
	return s, nil
}

// Marshal renders the seed as YAML.
func (s *Seed) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func toTree(data []byte, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}
