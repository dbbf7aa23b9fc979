package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "aeroute.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// TestSchemaCreationIdempotent tests that running initSchema multiple times is safe
func TestSchemaCreationIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Open database: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := initSchema(ctx, db); err != nil {
			t.Fatalf("initSchema iteration %d: %v", i, err)
		}
	}

	var count int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&count)
	if err != nil {
		t.Fatalf("Count tables: %v", err)
	}

	expected := 5 // airports, routes, rules, weather_constraints, learning_metrics
	if count != expected {
		t.Errorf("Expected %d tables, got %d", expected, count)
	}
}

func TestAirportsAndRoutes(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	lax, err := st.UpsertAirport(ctx, store.Airport{IATA: "LAX", Name: "Los Angeles", Latitude: 33.9416, Longitude: -118.4085, Timezone: "America/Los_Angeles"})
	if err != nil {
		t.Fatalf("UpsertAirport: %v", err)
	}
	jfk, err := st.UpsertAirport(ctx, store.Airport{IATA: "JFK", Latitude: 40.6413, Longitude: -73.7781})
	if err != nil {
		t.Fatalf("UpsertAirport: %v", err)
	}

	again, err := st.UpsertAirport(ctx, store.Airport{IATA: "LAX", Name: "Los Angeles Intl", Latitude: 33.9416, Longitude: -118.4085})
	if err != nil {
		t.Fatalf("UpsertAirport: %v", err)
	}
	if again != lax {
		t.Errorf("expected upsert to keep id %d, got %d", lax, again)
	}

	airports, err := st.ListAirports(ctx)
	if err != nil {
		t.Fatalf("ListAirports: %v", err)
	}
	if len(airports) != 2 {
		t.Fatalf("expected 2 airports, got %d", len(airports))
	}
	if airports[1].Name != "Unknown Airport" || airports[1].Timezone != "UTC" {
		t.Errorf("defaults not applied: %+v", airports[1])
	}

	if err := st.UpsertRoute(ctx, lax, jfk, 3974, 4.0); err != nil {
		t.Fatalf("UpsertRoute: %v", err)
	}
	if err := st.UpsertRoute(ctx, lax, jfk, 3974, 5.0); err != nil {
		t.Fatalf("UpsertRoute: %v", err)
	}

	routes, err := st.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].TypicalDuration != 4.5 {
		t.Errorf("expected averaged duration 4.5, got %v", routes[0].TypicalDuration)
	}
}

func TestRulesRoundTripAndPriority(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	r := store.RuleRecord{
		Type:      "ROUTE_OPTIMIZATION",
		Condition: rules.RouteProfile{DistanceMin: 3576.6, DistanceMax: 4371.4},
		Action: rules.Modify{Modifications: []rules.Modification{
			{Name: "duration", Operation: rules.OpMultiply, Value: 0.95},
		}},
		Priority: 1,
		Active:   true,
	}
	if err := st.UpsertRule(ctx, r, 1); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	if err := st.UpsertRule(ctx, r, 1); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	active, err := st.ListActiveRules(ctx)
	if err != nil {
		t.Fatalf("ListActiveRules: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(active))
	}
	if active[0].Priority != 2 {
		t.Errorf("expected priority 2, got %d", active[0].Priority)
	}
	if _, ok := active[0].Condition.(rules.RouteProfile); !ok {
		t.Errorf("expected RouteProfile condition, got %T", active[0].Condition)
	}
	if m, ok := active[0].Action.(rules.Modify); !ok || len(m.Modifications) != 1 {
		t.Errorf("unexpected action: %#v", active[0].Action)
	}

	for i := 0; i < 5; i++ {
		if err := st.UpsertRule(ctx, r, -1); err != nil {
			t.Fatalf("UpsertRule: %v", err)
		}
	}
	active, _ = st.ListActiveRules(ctx)
	if active[0].Priority != 0 {
		t.Errorf("expected priority floored at 0, got %d", active[0].Priority)
	}
}

func TestAdjustWeatherConstraint(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	newMax := 51.0
	if err := st.AdjustWeatherConstraint(ctx, "WIND_SPEED", nil, &newMax); !errors.Is(err, internalerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := st.UpsertWeatherConstraint(ctx, store.WeatherConstraint{ConditionType: "WIND_SPEED", Min: 0, Max: 50, Unit: "knots"}); err != nil {
		t.Fatalf("UpsertWeatherConstraint: %v", err)
	}
	if err := st.AdjustWeatherConstraint(ctx, "WIND_SPEED", nil, &newMax); err != nil {
		t.Fatalf("AdjustWeatherConstraint: %v", err)
	}

	cs, err := st.ListWeatherConstraints(ctx)
	if err != nil {
		t.Fatalf("ListWeatherConstraints: %v", err)
	}
	if len(cs) != 1 || cs[0].Min != 0 || cs[0].Max != 51 || cs[0].Unit != "knots" {
		t.Errorf("unexpected constraint: %+v", cs)
	}
}

func TestLearningMetricsAndSummary(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []float64{40, 60} {
		m := store.LearningMetric{ID: uuid.New(), Type: "WEATHER_WIND_SPEED", Value: v, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := st.AppendLearningMetric(ctx, m); err != nil {
			t.Fatalf("AppendLearningMetric: %v", err)
		}
	}

	dup := uuid.New()
	if err := st.AppendLearningMetric(ctx, store.LearningMetric{ID: dup, Type: "ROUTE_OPTIMIZATION", Value: 4, Timestamp: base}); err != nil {
		t.Fatalf("AppendLearningMetric: %v", err)
	}
	if err := st.AppendLearningMetric(ctx, store.LearningMetric{ID: dup, Type: "ROUTE_OPTIMIZATION", Value: 4, Timestamp: base}); err == nil {
		t.Error("expected duplicate metric id to fail")
	}

	a, _ := st.UpsertAirport(ctx, store.Airport{IATA: "AAA", Latitude: 1, Longitude: 1})
	b, _ := st.UpsertAirport(ctx, store.Airport{IATA: "BBB", Latitude: 2, Longitude: 2})
	_ = st.UpsertRoute(ctx, a, b, 1000, 2)
	_ = st.UpsertRoute(ctx, b, a, 3000, 4)

	sum, err := st.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Routes.Total != 2 || sum.Routes.AvgDistance != 2000 || sum.Routes.MinDuration != 2 || sum.Routes.MaxDuration != 4 {
		t.Errorf("unexpected route stats: %+v", sum.Routes)
	}
	if len(sum.Metrics) != 2 {
		t.Fatalf("expected 2 metric types, got %d", len(sum.Metrics))
	}
	wind := sum.Metrics[1]
	if wind.Type != "WEATHER_WIND_SPEED" || wind.Count != 2 || wind.AvgValue != 50 {
		t.Errorf("unexpected wind stats: %+v", wind)
	}
	if !wind.First.Equal(base) || !wind.Last.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected wind window: %v - %v", wind.First, wind.Last)
	}
}
