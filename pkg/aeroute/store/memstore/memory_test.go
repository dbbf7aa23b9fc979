package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

func TestUpsertRoute_AveragesDuration(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.UpsertRoute(ctx, 1, 2, 3974, 4.0); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRoute(ctx, 1, 2, 3974, 5.0); err != nil {
		t.Fatal(err)
	}

	routes, err := s.ListRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].TypicalDuration != 4.5 {
		t.Errorf("expected averaged duration 4.5, got %v", routes[0].TypicalDuration)
	}
}

func TestListAirports_SkipsInvalid(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.UpsertAirport(ctx, store.Airport{IATA: "LAX", Latitude: 33.94, Longitude: -118.41}); err != nil {
		t.Fatal(err)
	}
	s.airports[99] = store.Airport{ID: 99, IATA: "", Latitude: 1, Longitude: 1}

	airports, err := s.ListAirports(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(airports) != 1 {
		t.Fatalf("expected 1 valid airport, got %d", len(airports))
	}
	if airports[0].Name != "Unknown Airport" || airports[0].Timezone != "UTC" {
		t.Errorf("defaults not applied: %+v", airports[0])
	}
}

func TestUpsertRule_PriorityFlooredAtZero(t *testing.T) {
	ctx := context.Background()
	s := New()

	r := store.RuleRecord{
		Type:      "ROUTE",
		Condition: rules.RouteProfile{DistanceMin: 90, DistanceMax: 110},
		Action:    rules.Assert{Facts: []rules.Fact{{Name: "ok", Value: true}}},
		Priority:  1,
		Active:    true,
	}
	if err := s.UpsertRule(ctx, r, 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.UpsertRule(ctx, r, -1); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.ListActiveRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected a single rule, got %d", len(active))
	}
	if active[0].Priority != 0 {
		t.Errorf("expected priority floored at 0, got %d", active[0].Priority)
	}
}

func TestListActiveRules_Ordering(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, p := range []int{1, 5, 3} {
		r := store.RuleRecord{
			Type:      "ROUTE",
			Condition: rules.Numeric{Variable: "x", Operator: rules.OpGT, Value: float64(i)},
			Action:    rules.Retract{Facts: []string{"x"}},
			Priority:  p,
			Active:    true,
		}
		if err := s.UpsertRule(ctx, r, 0); err != nil {
			t.Fatal(err)
		}
	}
	inactive := store.RuleRecord{Type: "ROUTE", Condition: rules.Numeric{Variable: "y"}, Priority: 10}
	if err := s.UpsertRule(ctx, inactive, 0); err != nil {
		t.Fatal(err)
	}

	active, _ := s.ListActiveRules(ctx)
	if len(active) != 3 {
		t.Fatalf("expected 3 active rules, got %d", len(active))
	}
	if active[0].Priority != 5 || active[1].Priority != 3 || active[2].Priority != 1 {
		t.Errorf("rules not ordered by priority: %d %d %d", active[0].Priority, active[1].Priority, active[2].Priority)
	}
}

func TestAdjustWeatherConstraint(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.AdjustWeatherConstraint(ctx, "WIND_SPEED", nil, nil); !errors.Is(err, internalerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_ = s.UpsertWeatherConstraint(ctx, store.WeatherConstraint{ConditionType: "WIND_SPEED", Min: 0, Max: 50, Unit: "kt"})
	newMax := 51.0
	if err := s.AdjustWeatherConstraint(ctx, "WIND_SPEED", nil, &newMax); err != nil {
		t.Fatal(err)
	}
	cs, _ := s.ListWeatherConstraints(ctx)
	if cs[0].Max != 51 || cs[0].Min != 0 {
		t.Errorf("unexpected bounds: %+v", cs[0])
	}
}

func TestAppendLearningMetric_VerifyFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.FailNext("VerifyLearningMetric", errors.New("row missing"))
	err := s.AppendLearningMetric(ctx, store.LearningMetric{ID: uuid.New(), Type: "ROUTE_OPTIMIZATION", Value: 4, Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected verification failure")
	}
	if len(s.Metrics()) != 0 {
		t.Errorf("failed metric should be rolled back, found %d", len(s.Metrics()))
	}

	if err := s.AppendLearningMetric(ctx, store.LearningMetric{ID: uuid.New(), Type: "ROUTE_OPTIMIZATION", Value: 4, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if len(s.Metrics()) != 1 {
		t.Errorf("expected 1 metric, got %d", len(s.Metrics()))
	}
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	s := New()

	_ = s.UpsertRoute(ctx, 1, 2, 1000, 2)
	_ = s.UpsertRoute(ctx, 2, 1, 3000, 4)
	now := time.Now()
	_ = s.AppendLearningMetric(ctx, store.LearningMetric{ID: uuid.New(), Type: "WEATHER_WIND_SPEED", Value: 40, Timestamp: now})
	_ = s.AppendLearningMetric(ctx, store.LearningMetric{ID: uuid.New(), Type: "WEATHER_WIND_SPEED", Value: 60, Timestamp: now.Add(time.Minute)})

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Routes.Total != 2 || sum.Routes.AvgDistance != 2000 || sum.Routes.MinDuration != 2 || sum.Routes.MaxDuration != 4 {
		t.Errorf("unexpected route stats: %+v", sum.Routes)
	}
	if len(sum.Metrics) != 1 || sum.Metrics[0].AvgValue != 50 || sum.Metrics[0].Count != 2 {
		t.Errorf("unexpected metric stats: %+v", sum.Metrics)
	}
}
