package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// Store is an in-memory implementation of store.Store for tests.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	airports    map[int64]store.Airport
	iataIndex   map[string]int64
	routes      map[routeKey]store.RouteRecord
	rules       map[int64]store.RuleRecord
	ruleIndex   map[string]int64
	constraints map[string]store.WeatherConstraint
	metrics     []store.LearningMetric
	failures    map[string]error
}

type routeKey struct {
	origin, destination int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		nextID:      1,
		airports:    make(map[int64]store.Airport),
		iataIndex:   make(map[string]int64),
		routes:      make(map[routeKey]store.RouteRecord),
		rules:       make(map[int64]store.RuleRecord),
		ruleIndex:   make(map[string]int64),
		constraints: make(map[string]store.WeatherConstraint),
		failures:    make(map[string]error),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// FailNext makes the next call of the named method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

// takeFailure must be called with s.mu held.
func (s *Store) takeFailure(method string) error {
	if err, ok := s.failures[method]; ok {
		delete(s.failures, method)
		return err
	}
	return nil
}

func (s *Store) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// ListAirports returns valid airports ordered by id.
func (s *Store) ListAirports(ctx context.Context) ([]store.Airport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListAirports"); err != nil {
		return nil, err
	}

	out := make([]store.Airport, 0, len(s.airports))
	for _, a := range s.airports {
		if !a.Valid() {
			continue
		}
		out = append(out, a.Normalize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertAirport inserts or updates an airport keyed by IATA code.
func (s *Store) UpsertAirport(ctx context.Context, a store.Airport) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IATA == "" {
		return 0, fmt.Errorf("upsert airport: %w: empty IATA code", internalerr.ErrInvalidInput)
	}
	if id, ok := s.iataIndex[a.IATA]; ok {
		a.ID = id
	} else {
		a.ID = s.id()
		s.iataIndex[a.IATA] = a.ID
	}
	s.airports[a.ID] = a
	return a.ID, nil
}

// ListRoutes returns all routes ordered by id.
func (s *Store) ListRoutes(ctx context.Context) ([]store.RouteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListRoutes"); err != nil {
		return nil, err
	}

	out := make([]store.RouteRecord, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertRoute inserts a route or averages its typical duration.
func (s *Store) UpsertRoute(ctx context.Context, originID, destinationID int64, distance, duration float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("UpsertRoute"); err != nil {
		return err
	}

	key := routeKey{originID, destinationID}
	if r, ok := s.routes[key]; ok {
		r.TypicalDuration = (r.TypicalDuration + duration) / 2
		r.UpdatedAt = time.Now()
		s.routes[key] = r
		return nil
	}
	s.routes[key] = store.RouteRecord{
		ID:              s.id(),
		OriginID:        originID,
		DestinationID:   destinationID,
		Distance:        distance,
		TypicalDuration: duration,
		UpdatedAt:       time.Now(),
	}
	return nil
}

// ListActiveRules returns active rules by descending priority.
func (s *Store) ListActiveRules(ctx context.Context) ([]store.RuleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListActiveRules"); err != nil {
		return nil, err
	}

	out := make([]store.RuleRecord, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertRule inserts a rule or adjusts the priority of the existing one.
func (s *Store) UpsertRule(ctx context.Context, r store.RuleRecord, conflictAdjustment int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("UpsertRule"); err != nil {
		return err
	}

	cond, err := rules.MarshalCondition(r.Condition)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	key := r.Type + "|" + string(cond)

	if id, ok := s.ruleIndex[key]; ok {
		existing := s.rules[id]
		existing.Priority += conflictAdjustment
		if existing.Priority < 0 {
			existing.Priority = 0
		}
		existing.UpdatedAt = time.Now()
		s.rules[id] = existing
		return nil
	}

	r.ID = s.id()
	r.UpdatedAt = time.Now()
	s.rules[r.ID] = r
	s.ruleIndex[key] = r.ID
	return nil
}

// ListWeatherConstraints returns constraints ordered by condition type.
func (s *Store) ListWeatherConstraints(ctx context.Context) ([]store.WeatherConstraint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListWeatherConstraints"); err != nil {
		return nil, err
	}

	out := make([]store.WeatherConstraint, 0, len(s.constraints))
	for _, c := range s.constraints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionType < out[j].ConditionType })
	return out, nil
}

// UpsertWeatherConstraint inserts or replaces a constraint.
func (s *Store) UpsertWeatherConstraint(ctx context.Context, c store.WeatherConstraint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now()
	s.constraints[c.ConditionType] = c
	return nil
}

// AdjustWeatherConstraint overwrites the provided bounds.
func (s *Store) AdjustWeatherConstraint(ctx context.Context, conditionType string, newMin, newMax *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("AdjustWeatherConstraint"); err != nil {
		return err
	}

	c, ok := s.constraints[conditionType]
	if !ok {
		return fmt.Errorf("weather constraint %s: %w", conditionType, internalerr.ErrNotFound)
	}
	if newMin != nil {
		c.Min = *newMin
	}
	if newMax != nil {
		c.Max = *newMax
	}
	c.UpdatedAt = time.Now()
	s.constraints[conditionType] = c
	return nil
}

// AppendLearningMetric appends a metric and verifies it is readable.
func (s *Store) AppendLearningMetric(ctx context.Context, m store.LearningMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("AppendLearningMetric"); err != nil {
		return err
	}

	s.metrics = append(s.metrics, m)
	if err := s.takeFailure("VerifyLearningMetric"); err != nil {
		s.metrics = s.metrics[:len(s.metrics)-1]
		return fmt.Errorf("verify metric %s: %w", m.Type, err)
	}
	return nil
}

// Metrics returns a copy of the appended learning metrics.
func (s *Store) Metrics() []store.LearningMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.LearningMetric, len(s.metrics))
	copy(out, s.metrics)
	return out
}

// Summary aggregates routes, active rules and metrics.
func (s *Store) Summary(ctx context.Context) (store.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum store.Summary
	first := true
	var distance, duration float64
	for _, r := range s.routes {
		sum.Routes.Total++
		distance += r.Distance
		duration += r.TypicalDuration
		if first || r.TypicalDuration < sum.Routes.MinDuration {
			sum.Routes.MinDuration = r.TypicalDuration
		}
		if first || r.TypicalDuration > sum.Routes.MaxDuration {
			sum.Routes.MaxDuration = r.TypicalDuration
		}
		first = false
	}
	if sum.Routes.Total > 0 {
		sum.Routes.AvgDistance = distance / float64(sum.Routes.Total)
		sum.Routes.AvgDuration = duration / float64(sum.Routes.Total)
	}

	ruleAgg := make(map[string]*store.RuleStats)
	for _, r := range s.rules {
		if !r.Active {
			continue
		}
		rs, ok := ruleAgg[r.Type]
		if !ok {
			rs = &store.RuleStats{Type: r.Type}
			ruleAgg[r.Type] = rs
		}
		rs.Count++
		rs.AvgPriority += float64(r.Priority)
	}
	for _, rs := range ruleAgg {
		rs.AvgPriority /= float64(rs.Count)
		sum.Rules = append(sum.Rules, *rs)
	}
	sort.Slice(sum.Rules, func(i, j int) bool { return sum.Rules[i].Type < sum.Rules[j].Type })

	metricAgg := make(map[string]*store.MetricStats)
	for _, m := range s.metrics {
		ms, ok := metricAgg[m.Type]
		if !ok {
			ms = &store.MetricStats{Type: m.Type, First: m.Timestamp, Last: m.Timestamp}
			metricAgg[m.Type] = ms
		}
		ms.Count++
		ms.AvgValue += m.Value
		if m.Timestamp.Before(ms.First) {
			ms.First = m.Timestamp
		}
		if m.Timestamp.After(ms.Last) {
			ms.Last = m.Timestamp
		}
	}
	for _, ms := range metricAgg {
		ms.AvgValue /= float64(ms.Count)
		sum.Metrics = append(sum.Metrics, *ms)
	}
	sort.Slice(sum.Metrics, func(i, j int) bool { return sum.Metrics[i].Type < sum.Metrics[j].Type })

	return sum, nil
}
