package learning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/aeroute/pkg/aeroute/events"
	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/knowledge"
	"github.com/cognicore/aeroute/pkg/aeroute/metrics"
	"github.com/cognicore/aeroute/pkg/aeroute/planner"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
	"github.com/cognicore/aeroute/pkg/aeroute/store/memstore"
)

type fixture struct {
	store    *memstore.Store
	system   *System
	recorder *events.Recorder
	route    *planner.Result
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()

	lax, err := st.UpsertAirport(ctx, store.Airport{IATA: "LAX", Name: "Los Angeles", Latitude: 33.94, Longitude: -118.41})
	require.NoError(t, err)
	jfk, err := st.UpsertAirport(ctx, store.Airport{IATA: "JFK", Name: "New York JFK", Latitude: 40.64, Longitude: -73.78})
	require.NoError(t, err)

	require.NoError(t, st.UpsertWeatherConstraint(ctx, store.WeatherConstraint{ConditionType: "WIND_SPEED", Min: 10, Max: 50, Unit: "knots"}))
	require.NoError(t, st.UpsertWeatherConstraint(ctx, store.WeatherConstraint{ConditionType: "VISIBILITY", Min: 0.5, Max: 10, Unit: "km"}))

	rec := &events.Recorder{}
	sys := New(st, Options{
		Events:  rec,
		Metrics: metrics.New(nil),
		Now:     func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) },
	})

	route := &planner.Result{
		Origin:      store.Airport{ID: lax, IATA: "LAX"},
		Destination: store.Airport{ID: jfk, IATA: "JFK"},
		Distance:    3974.4,
		Duration:    3.9,
	}
	return fixture{store: st, system: sys, recorder: rec, route: route}
}

func constraint(t *testing.T, st store.Store, conditionType string) store.WeatherConstraint {
	t.Helper()
	cs, err := st.ListWeatherConstraints(context.Background())
	require.NoError(t, err)
	for _, c := range cs {
		if c.ConditionType == conditionType {
			return c
		}
	}
	t.Fatalf("constraint %s not found", conditionType)
	return store.WeatherConstraint{}
}

func metricTypes(st *memstore.Store) []string {
	var out []string
	for _, m := range st.Metrics() {
		out = append(out, m.Type)
	}
	return out
}

func TestLearnFromRoute_FailureDoesNotWiden(t *testing.T) {
	f := newFixture(t)
	f.route.WeatherRisks = []planner.WeatherRisk{{Type: "WIND_SPEED", Value: 55, Severity: planner.SeverityHigh}}

	require.NoError(t, f.system.LearnFromRoute(context.Background(), f.route, false, nil))

	c := constraint(t, f.store, "WIND_SPEED")
	assert.Equal(t, 50.0, c.Max, "only success widens bounds")
	assert.Equal(t, 10.0, c.Min)
	assert.Equal(t, []string{"ROUTE_OPTIMIZATION", "WEATHER_WIND_SPEED"}, metricTypes(f.store))
}

func TestLearnFromRoute_SuccessWidens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route.WeatherRisks = []planner.WeatherRisk{
		{Type: "WIND_SPEED", Value: 55, Severity: planner.SeverityHigh},
		{Type: "VISIBILITY", Value: 0.2, Severity: planner.SeverityLow},
	}

	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, nil))
	assert.Equal(t, 51.0, constraint(t, f.store, "WIND_SPEED").Max)
	assert.Equal(t, 0.0, constraint(t, f.store, "VISIBILITY").Min, "min is floored at 0")

	// A single step per observation.
	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, nil))
	assert.Equal(t, 52.0, constraint(t, f.store, "WIND_SPEED").Max)
	assert.Equal(t, 10.0, constraint(t, f.store, "WIND_SPEED").Min)
}

func TestLearnFromRoute_LowersMin(t *testing.T) {
	f := newFixture(t)
	f.route.WeatherRisks = []planner.WeatherRisk{{Type: "WIND_SPEED", Value: 5}}

	require.NoError(t, f.system.LearnFromRoute(context.Background(), f.route, true, nil))
	c := constraint(t, f.store, "WIND_SPEED")
	assert.Equal(t, 9.0, c.Min)
	assert.Equal(t, 50.0, c.Max)
}

func TestLearnFromRoute_SkipsInvalidRisks(t *testing.T) {
	f := newFixture(t)
	f.route.WeatherRisks = []planner.WeatherRisk{
		{Type: "", Value: 30},
		{Type: "WIND_SPEED", Value: 0},
		{Type: "TURBULENCE", Value: 3},
	}

	require.NoError(t, f.system.LearnFromRoute(context.Background(), f.route, true, nil))
	assert.Equal(t, []string{"ROUTE_OPTIMIZATION", "WEATHER_TURBULENCE"}, metricTypes(f.store))
	assert.Equal(t, 50.0, constraint(t, f.store, "WIND_SPEED").Max)
}

func TestLearnFromRoute_RouteStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, nil))
	f.route.Duration = 4.5
	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, nil))

	routes, err := f.store.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.InDelta(t, 4.2, routes[0].TypicalDuration, 1e-9)
}

func TestLearnFromRoute_ResolvesAirportIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route.Origin.ID, f.route.Destination.ID = 0, 0

	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, nil))
	routes, _ := f.store.ListRoutes(ctx)
	require.Len(t, routes, 1)
	assert.NotZero(t, routes[0].OriginID)

	f.route.Origin = store.Airport{IATA: "XXX"}
	err := f.system.LearnFromRoute(ctx, f.route, true, nil)
	assert.ErrorIs(t, err, internalerr.ErrNotFound)
}

func TestLearnFromRoute_RulePriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route.WeatherRisks = []planner.WeatherRisk{{Type: "VISIBILITY", Value: 6, Severity: planner.SeverityLow}}
	fb := &Feedback{Action: rules.Modify{Modifications: []rules.Modification{
		{Name: "duration", Operation: rules.OpMultiply, Value: 0.95},
	}}}

	priority := func() int {
		active, err := f.store.ListActiveRules(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		return active[0].Priority
	}

	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, fb))
	assert.Equal(t, 1, priority(), "new rules start at priority 1")
	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, fb))
	assert.Equal(t, 2, priority())
	for i := 0; i < 4; i++ {
		require.NoError(t, f.system.LearnFromRoute(ctx, f.route, false, fb))
	}
	assert.Equal(t, 0, priority(), "priority is floored at 0")

	active, _ := f.store.ListActiveRules(ctx)
	profile, ok := active[0].Condition.(rules.RouteProfile)
	require.True(t, ok)
	assert.InDelta(t, 3576.96, profile.DistanceMin, 1e-6)
	assert.InDelta(t, 4371.84, profile.DistanceMax, 1e-6)
	assert.Equal(t, []rules.WeatherSeverity{{Type: "VISIBILITY", Severity: "LOW"}}, profile.Weather)

	kb := knowledge.New(f.store, nil)
	assert.True(t, kb.EvaluateCondition(profile, map[string]any{"distance": 4000.0}))
}

func TestLearnFromRoute_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.system.LearnFromRoute(ctx, nil, true, nil), internalerr.ErrInvalidInput)
	assert.ErrorIs(t, f.system.LearnFromRoute(ctx, &planner.Result{}, true, nil), internalerr.ErrInvalidInput)

	err := f.system.LearnFromRoute(ctx, f.route, true, &Feedback{Comment: "no action"})
	assert.ErrorIs(t, err, internalerr.ErrInvalidInput)

	routes, _ := f.store.ListRoutes(ctx)
	assert.Empty(t, routes, "validation failures mutate nothing")
	assert.Empty(t, f.store.Metrics())
}

func TestLearnFromRoute_AbortsOnFailure(t *testing.T) {
	ctx := context.Background()
	fb := &Feedback{Action: rules.Assert{Facts: []rules.Fact{{Name: "preferred", Value: true}}}}

	t.Run("metric write", func(t *testing.T) {
		f := newFixture(t)
		f.route.WeatherRisks = []planner.WeatherRisk{{Type: "WIND_SPEED", Value: 55}}
		boom := errors.New("disk full")
		f.store.FailNext("AppendLearningMetric", boom)

		err := f.system.LearnFromRoute(ctx, f.route, true, fb)
		require.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, internalerr.ErrStoreUnavailable)

		assert.Empty(t, f.store.Metrics())
		assert.Equal(t, 50.0, constraint(t, f.store, "WIND_SPEED").Max, "weather step must not run")
		active, _ := f.store.ListActiveRules(ctx)
		assert.Empty(t, active, "rule step must not run")
	})

	t.Run("metric verification", func(t *testing.T) {
		f := newFixture(t)
		f.route.WeatherRisks = []planner.WeatherRisk{{Type: "WIND_SPEED", Value: 55}}
		f.store.FailNext("VerifyLearningMetric", errors.New("row missing"))

		require.Error(t, f.system.LearnFromRoute(ctx, f.route, true, fb))
		assert.Empty(t, f.store.Metrics(), "unverified metric is rolled back")
		assert.Empty(t, f.recorder.Events())
	})

	t.Run("constraint adjust", func(t *testing.T) {
		f := newFixture(t)
		f.route.WeatherRisks = []planner.WeatherRisk{{Type: "WIND_SPEED", Value: 55}}
		f.store.FailNext("AdjustWeatherConstraint", errors.New("lock timeout"))

		require.Error(t, f.system.LearnFromRoute(ctx, f.route, true, fb))
		assert.Len(t, f.store.Metrics(), 2, "earlier steps stay applied")
		active, _ := f.store.ListActiveRules(ctx)
		assert.Empty(t, active)
	})

	t.Run("rule upsert", func(t *testing.T) {
		f := newFixture(t)
		f.store.FailNext("UpsertRule", errors.New("constraint violation"))
		assert.ErrorIs(t, f.system.LearnFromRoute(ctx, f.route, true, fb), internalerr.ErrStoreUnavailable)
	})
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return errors.New("redis unavailable")
}

func TestLearnFromRoute_Events(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.route.WeatherRisks = []planner.WeatherRisk{{Type: "WIND_SPEED", Value: 42}}

	require.NoError(t, f.system.LearnFromRoute(ctx, f.route, true, nil))
	evs := f.recorder.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, "ROUTE_OPTIMIZATION", evs[0].Type)
	assert.Equal(t, "LAX-JFK", evs[0].Route)
	assert.Equal(t, 42.0, evs[1].Value)
	assert.Equal(t, f.store.Metrics()[1].ID.String(), evs[1].ID)

	sys := New(f.store, Options{Events: failingPublisher{}})
	assert.NoError(t, sys.LearnFromRoute(ctx, f.route, true, nil), "publish failures are not fatal")
}
