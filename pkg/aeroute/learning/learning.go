package learning

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognicore/aeroute/pkg/aeroute/events"
	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/metrics"
	"github.com/cognicore/aeroute/pkg/aeroute/planner"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// Metric types written by the learning loop.
const (
	MetricRouteOptimization = "ROUTE_OPTIMIZATION"
	MetricWeatherPrefix     = "WEATHER_"
)

// RuleTypeRoute tags the rules synthesized from feedback.
const RuleTypeRoute = "ROUTE"

// Feedback carries the action a caller wants associated with routes like
// the one being learned from.
type Feedback struct {
	Action  rules.Action
	Comment string
}

// Options configures a System.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  events.Publisher
	Now     func() time.Time
}

// System adapts route statistics, weather constraints and rule priorities
// from route outcomes.
type System struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	events  events.Publisher
	now     func() time.Time
}

// New creates a learning system backed by st.
func New(st store.Store, opts Options) *System {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &System{
		store:   st,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		events:  opts.Events,
		now:     opts.Now,
	}
}

// LearnFromRoute records route statistics, adapts weather constraints on
// success and, when feedback is given, reinforces or weakens the matching
// route rule. The first failing step aborts the rest.
func (s *System) LearnFromRoute(ctx context.Context, route *planner.Result, success bool, fb *Feedback) error {
	if route == nil || route.Origin.IATA == "" || route.Destination.IATA == "" {
		return fmt.Errorf("route with origin and destination is required: %w", internalerr.ErrInvalidInput)
	}
	if fb != nil && fb.Action == nil {
		return fmt.Errorf("feedback action is required: %w", internalerr.ErrInvalidInput)
	}

	log := s.logger.With(
		zap.String("origin", route.Origin.IATA),
		zap.String("destination", route.Destination.IATA),
		zap.Bool("success", success))
	label := route.Origin.IATA + "-" + route.Destination.IATA

	if err := s.updateRouteStatistics(ctx, route, label); err != nil {
		log.Error("updating route statistics failed", zap.Error(err))
		return err
	}

	if err := s.learnFromWeather(ctx, route.WeatherRisks, success, label, log); err != nil {
		log.Error("learning from weather failed", zap.Error(err))
		return err
	}

	if fb != nil {
		if err := s.updateRules(ctx, route, success, fb); err != nil {
			log.Error("updating rules failed", zap.Error(err))
			return err
		}
	}

	log.Info("learned from route", zap.Int("risks", len(route.WeatherRisks)), zap.Bool("feedback", fb != nil))
	return nil
}

func (s *System) updateRouteStatistics(ctx context.Context, route *planner.Result, label string) error {
	origin, destination := route.Origin, route.Destination
	if origin.ID == 0 || destination.ID == 0 {
		if err := s.resolveIDs(ctx, &origin, &destination); err != nil {
			return err
		}
	}

	if err := s.store.UpsertRoute(ctx, origin.ID, destination.ID, route.Distance, route.Duration); err != nil {
		return fmt.Errorf("route statistics: %w: %w", internalerr.ErrStoreUnavailable, err)
	}
	return s.record(ctx, MetricRouteOptimization, route.Duration, label)
}

// resolveIDs fills airport ids from their IATA codes.
func (s *System) resolveIDs(ctx context.Context, airports ...*store.Airport) error {
	list, err := s.store.ListAirports(ctx)
	if err != nil {
		return fmt.Errorf("resolve airports: %w: %w", internalerr.ErrStoreUnavailable, err)
	}
	byIATA := make(map[string]int64, len(list))
	for _, a := range list {
		byIATA[a.IATA] = a.ID
	}
	for _, a := range airports {
		id, ok := byIATA[a.IATA]
		if !ok {
			return fmt.Errorf("airport %s: %w", a.IATA, internalerr.ErrNotFound)
		}
		a.ID = id
	}
	return nil
}

func (s *System) learnFromWeather(ctx context.Context, risks []planner.WeatherRisk, success bool, label string, log *zap.Logger) error {
	if len(risks) == 0 {
		return nil
	}

	constraints, err := s.store.ListWeatherConstraints(ctx)
	if err != nil {
		return fmt.Errorf("weather constraints: %w: %w", internalerr.ErrStoreUnavailable, err)
	}
	byType := make(map[string]store.WeatherConstraint, len(constraints))
	for _, c := range constraints {
		byType[c.ConditionType] = c
	}

	for _, risk := range risks {
		if risk.Type == "" || risk.Value == 0 || math.IsNaN(risk.Value) {
			log.Warn("skipping invalid weather risk", zap.String("type", risk.Type), zap.Float64("value", risk.Value))
			continue
		}

		if err := s.record(ctx, MetricWeatherPrefix+risk.Type, risk.Value, label); err != nil {
			return err
		}

		if !success {
			continue
		}
		c, ok := byType[risk.Type]
		if !ok {
			continue
		}

		var newMin, newMax *float64
		if risk.Value < c.Min {
			v := math.Max(0, c.Min-1)
			newMin = &v
		}
		if risk.Value > c.Max {
			v := c.Max + 1
			newMax = &v
		}
		if newMin == nil && newMax == nil {
			continue
		}

		if err := s.store.AdjustWeatherConstraint(ctx, risk.Type, newMin, newMax); err != nil {
			return fmt.Errorf("adjust %s: %w: %w", risk.Type, internalerr.ErrStoreUnavailable, err)
		}
		if newMin != nil {
			c.Min = *newMin
		}
		if newMax != nil {
			c.Max = *newMax
		}
		byType[risk.Type] = c
		log.Debug("weather constraint adjusted",
			zap.String("type", risk.Type),
			zap.Float64("min", c.Min),
			zap.Float64("max", c.Max))
	}
	return nil
}

func (s *System) updateRules(ctx context.Context, route *planner.Result, success bool, fb *Feedback) error {
	cond := rules.RouteProfile{
		DistanceMin: route.Distance * 0.9,
		DistanceMax: route.Distance * 1.1,
	}
	for _, r := range route.WeatherRisks {
		cond.Weather = append(cond.Weather, rules.WeatherSeverity{Type: r.Type, Severity: string(r.Severity)})
	}

	adjustment := -1
	if success {
		adjustment = 1
	}
	rule := store.RuleRecord{
		Type:      RuleTypeRoute,
		Condition: cond,
		Action:    fb.Action,
		Priority:  1,
		Active:    true,
	}
	if err := s.store.UpsertRule(ctx, rule, adjustment); err != nil {
		return fmt.Errorf("route rule: %w: %w", internalerr.ErrStoreUnavailable, err)
	}
	return nil
}

// record appends one learning metric and publishes it once committed.
func (s *System) record(ctx context.Context, metricType string, value float64, label string) error {
	m := store.LearningMetric{
		ID:        uuid.New(),
		Type:      metricType,
		Value:     value,
		Timestamp: s.now(),
	}
	if err := s.store.AppendLearningMetric(ctx, m); err != nil {
		return fmt.Errorf("record %s: %w: %w", metricType, internalerr.ErrStoreUnavailable, err)
	}
	s.metrics.LearningMetric(metricType)

	ev := events.Event{
		ID:        m.ID.String(),
		Type:      m.Type,
		Value:     m.Value,
		Route:     label,
		Timestamp: m.Timestamp,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publishing learning event failed", zap.String("type", metricType), zap.Error(err))
	}
	return nil
}
