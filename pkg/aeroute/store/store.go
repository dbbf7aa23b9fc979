package store

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cognicore/aeroute/pkg/aeroute/rules"
)

// Store is the persistence collaborator for airports, routes, rules,
// weather constraints and learning metrics.
type Store interface {
	Close() error

	// Airports
	ListAirports(ctx context.Context) ([]Airport, error)
	UpsertAirport(ctx context.Context, a Airport) (int64, error)

	// Routes
	ListRoutes(ctx context.Context) ([]RouteRecord, error)
	// UpsertRoute inserts a route or, on conflict, averages the stored
	// typical duration with the observed one.
	UpsertRoute(ctx context.Context, originID, destinationID int64, distance, duration float64) error

	// Rules
	ListActiveRules(ctx context.Context) ([]RuleRecord, error)
	// UpsertRule inserts a rule or, when a rule with the same type and
	// condition exists, shifts its priority by conflictAdjustment (floored at 0).
	UpsertRule(ctx context.Context, r RuleRecord, conflictAdjustment int) error

	// Weather constraints
	ListWeatherConstraints(ctx context.Context) ([]WeatherConstraint, error)
	UpsertWeatherConstraint(ctx context.Context, c WeatherConstraint) error
	// AdjustWeatherConstraint overwrites the non-nil bounds. Returns
	// internalerr.ErrNotFound when no constraint has that type.
	AdjustWeatherConstraint(ctx context.Context, conditionType string, newMin, newMax *float64) error

	// Learning metrics
	// AppendLearningMetric writes the metric and re-reads it inside one
	// transaction, committing only when the row is visible.
	AppendLearningMetric(ctx context.Context, m LearningMetric) error

	// Summary aggregates routes, rules and metrics for reporting.
	Summary(ctx context.Context) (Summary, error)
}

// Airport is immutable reference data.
type Airport struct {
	ID        int64   `json:"id" yaml:"-"`
	IATA      string  `json:"iata" yaml:"iata"`
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Timezone  string  `json:"timezone" yaml:"timezone"`
}

// Valid reports whether the airport can take part in planning.
func (a Airport) Valid() bool {
	if a.IATA == "" {
		return false
	}
	for _, v := range []float64{a.Latitude, a.Longitude} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Normalize fills the defaults applied when airports are read.
func (a Airport) Normalize() Airport {
	if a.Name == "" {
		a.Name = "Unknown Airport"
	}
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	return a
}

// RouteRecord is a directed edge of the route graph.
type RouteRecord struct {
	ID              int64
	OriginID        int64
	DestinationID   int64
	Distance        float64
	TypicalDuration float64
	UpdatedAt       time.Time
}

// RuleRecord is a persisted knowledge base rule.
type RuleRecord struct {
	ID        int64
	Type      string
	Condition rules.Condition
	Action    rules.Action
	Priority  int
	Active    bool
	UpdatedAt time.Time
}

// WeatherConstraint bounds an observed weather quantity.
type WeatherConstraint struct {
	ConditionType string
	Min           float64
	Max           float64
	Unit          string
	UpdatedAt     time.Time
}

// LearningMetric is one append-only audit entry of the learning loop.
type LearningMetric struct {
	ID        uuid.UUID
	Type      string
	Value     float64
	Timestamp time.Time
}

// Summary holds reporting aggregates.
type Summary struct {
	Routes  RouteStats
	Rules   []RuleStats
	Metrics []MetricStats
}

// RouteStats aggregates the route table.
type RouteStats struct {
	Total       int64
	AvgDistance float64
	AvgDuration float64
	MinDuration float64
	MaxDuration float64
}

// RuleStats aggregates active rules of one type.
type RuleStats struct {
	Type        string
	Count       int64
	AvgPriority float64
}

// MetricStats aggregates learning metrics of one type.
type MetricStats struct {
	Type     string
	Count    int64
	AvgValue float64
	First    time.Time
	Last     time.Time
}
