package planner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cognicore/aeroute/pkg/aeroute/geo"
	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/metrics"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

const (
	baseAltitude     = 35000
	maxCruiseAlt     = 43000
	maxWindAltitude  = 45000
	windAltitudeStep = 2000
)

// Options configures a Planner. Zero values take the defaults.
type Options struct {
	AverageSpeed      float64 // km/h
	MaxRange          float64 // km
	FuelStopThreshold float64 // km, distance above which fuel stops are considered
	RefuelTime        float64 // hours
	RecentCapacity    int
	TrackPoints       int

	Risks   RiskProvider
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// DefaultOptions returns the planner defaults.
func DefaultOptions() Options {
	return Options{
		AverageSpeed:      926,
		MaxRange:          5500,
		FuelStopThreshold: 5000,
		RefuelTime:        1.5,
		RecentCapacity:    10,
		TrackPoints:       8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AverageSpeed <= 0 {
		o.AverageSpeed = d.AverageSpeed
	}
	if o.MaxRange <= 0 {
		o.MaxRange = d.MaxRange
	}
	if o.FuelStopThreshold <= 0 {
		o.FuelStopThreshold = d.FuelStopThreshold
	}
	if o.RefuelTime <= 0 {
		o.RefuelTime = d.RefuelTime
	}
	if o.RecentCapacity <= 0 {
		o.RecentCapacity = d.RecentCapacity
	}
	if o.TrackPoints <= 0 {
		o.TrackPoints = d.TrackPoints
	}
	if o.Risks == nil {
		o.Risks = GeometricRisks{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// FuelStop is a candidate intermediate refuelling airport.
type FuelStop struct {
	Airport               string  `json:"airport"`
	IATA                  string  `json:"iata"`
	DistanceFromOrigin    float64 `json:"distance_from_origin"`
	DistanceToDestination float64 `json:"distance_to_destination"`
	TotalDistance         float64 `json:"total_distance"`
	TotalDuration         float64 `json:"total_duration"`
	TimeSaved             float64 `json:"time_saved"`
}

// Altitude is a cruise altitude suggestion.
type Altitude struct {
	Altitude  int     `json:"altitude"`
	TimeSaved float64 `json:"time_saved"`
}

// Reasoning is one entry of a plan's explanation trail.
type Reasoning struct {
	Factor      string  `json:"factor"`
	Description string  `json:"description"`
	Impact      float64 `json:"impact"`
	Details     string  `json:"details"`
}

// Result is a planned route. Distance and durations are rounded to one
// decimal; WeatherImpact is in percent.
type Result struct {
	ID            string        `json:"optimization_id"`
	Origin        store.Airport `json:"origin"`
	Destination   store.Airport `json:"destination"`
	Distance      float64       `json:"distance"`
	Duration      float64       `json:"duration"`
	BaseTime      float64       `json:"base_time"`
	WeatherImpact float64       `json:"weather_impact"`
	Bearing       float64       `json:"bearing"`
	Track         []geo.Point   `json:"track"`
	DepartureTime time.Time     `json:"departure_time"`
	ArrivalTime   time.Time     `json:"arrival_time"`
	WeatherRisks  []WeatherRisk `json:"weather_risks"`
	FuelStops     []FuelStop    `json:"fuel_stops"`
	Altitude      *Altitude     `json:"altitude_optimization"`
	Reasoning     []Reasoning   `json:"reasoning"`
}

// Planner computes single-hop route plans.
type Planner struct {
	store   store.Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	group    singleflight.Group
	mu       sync.RWMutex
	airports map[string]store.Airport

	recent *recentCache
}

// New creates a planner. The airport set is loaded lazily on first use.
func New(st store.Store, opts Options) *Planner {
	opts = opts.withDefaults()
	return &Planner{
		store:   st,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		recent:  newRecentCache(opts.RecentCapacity),
	}
}

// Initialize loads the airport set once. Concurrent callers share the
// in-flight load, which runs detached from any single caller's
// cancellation; a failed load leaves the planner uninitialized.
func (p *Planner) Initialize(ctx context.Context) error {
	if p.initialized() {
		return nil
	}
	// The load is shared, so one caller's cancellation must not fail the rest.
	loadCtx := context.WithoutCancel(ctx)
	_, err, _ := p.group.Do("init", func() (any, error) {
		if p.initialized() {
			return nil, nil
		}
		return nil, p.load(loadCtx)
	})
	return err
}

// Reload replaces the airport set with a fresh load. The previous set is
// kept when the load fails.
func (p *Planner) Reload(ctx context.Context) error {
	loadCtx := context.WithoutCancel(ctx)
	_, err, _ := p.group.Do("init", func() (any, error) {
		return nil, p.load(loadCtx)
	})
	return err
}

func (p *Planner) initialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.airports != nil
}

func (p *Planner) load(ctx context.Context) error {
	p.logger.Info("initializing route planner")

	list, err := p.store.ListAirports(ctx)
	if err != nil {
		p.logger.Error("loading airports failed", zap.Error(err))
		return fmt.Errorf("initialize planner: %w: %w", internalerr.ErrNotInitialized, err)
	}

	airports := make(map[string]store.Airport, len(list))
	for _, a := range list {
		if !a.Valid() {
			continue
		}
		airports[a.IATA] = a
	}
	if len(airports) == 0 {
		return fmt.Errorf("initialize planner: no valid airports: %w", internalerr.ErrNotInitialized)
	}

	p.mu.Lock()
	p.airports = airports
	p.mu.Unlock()

	p.logger.Info("route planner initialized", zap.Int("airports", len(airports)))
	return nil
}

// Airport resolves an IATA code against the loaded airport set.
func (p *Planner) Airport(ctx context.Context, iata string) (store.Airport, error) {
	if err := p.Initialize(ctx); err != nil {
		return store.Airport{}, err
	}
	p.mu.RLock()
	a, ok := p.airports[iata]
	p.mu.RUnlock()
	if !ok {
		return store.Airport{}, fmt.Errorf("airport %s: %w", iata, internalerr.ErrNotFound)
	}
	return a, nil
}

// CalculateDistance returns the great-circle distance in kilometers.
func (p *Planner) CalculateDistance(a, b store.Airport) float64 {
	return geo.DistanceKM(point(a), point(b))
}

// CalculateDuration returns the flight time in hours at the average speed,
// scaled by weatherFactor.
func (p *Planner) CalculateDuration(distance, weatherFactor float64) float64 {
	return distance / p.opts.AverageSpeed * weatherFactor
}

// PlanRoute plans a direct route between two IATA codes.
func (p *Planner) PlanRoute(ctx context.Context, originIATA, destinationIATA string) (*Result, error) {
	res, err := p.planRoute(ctx, originIATA, destinationIATA)
	switch {
	case err == nil:
		p.metrics.PlanOutcome(metrics.OutcomeOK)
	case errors.Is(err, internalerr.ErrInvalidInput):
		p.metrics.PlanOutcome(metrics.OutcomeInvalid)
	case errors.Is(err, internalerr.ErrNotFound):
		p.metrics.PlanOutcome(metrics.OutcomeNotFound)
	default:
		p.metrics.PlanOutcome(metrics.OutcomeError)
	}
	return res, err
}

func (p *Planner) planRoute(ctx context.Context, originIATA, destinationIATA string) (*Result, error) {
	if originIATA == "" || destinationIATA == "" {
		return nil, fmt.Errorf("origin and destination IATA codes are required: %w", internalerr.ErrInvalidInput)
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	origin, okOrigin := p.airports[originIATA]
	destination, okDest := p.airports[destinationIATA]
	p.mu.RUnlock()
	if !okOrigin {
		return nil, fmt.Errorf("origin airport %s: %w", originIATA, internalerr.ErrNotFound)
	}
	if !okDest {
		return nil, fmt.Errorf("destination airport %s: %w", destinationIATA, internalerr.ErrNotFound)
	}

	p.logger.Debug("planning route",
		zap.String("origin", originIATA),
		zap.String("destination", destinationIATA))

	distance := p.CalculateDistance(origin, destination)
	risks, err := p.opts.Risks.Risks(ctx, origin, destination, distance)
	if err != nil {
		p.logger.Warn("risk provider failed, using geometric risks", zap.Error(err))
		risks, _ = GeometricRisks{}.Risks(ctx, origin, destination, distance)
	}

	var (
		reasoning     []Reasoning
		weatherFactor = 1.0
		weatherImpact float64
	)
	for _, r := range risks {
		weatherFactor += r.Impact
		weatherImpact += r.Impact
		verb := "Increases"
		if r.Impact <= 0 {
			verb = "Reduces"
		}
		reasoning = append(reasoning, Reasoning{
			Factor:      r.Type,
			Description: r.Description,
			Impact:      r.Impact,
			Details:     fmt.Sprintf("%s flight time by %.1f%%", verb, math.Abs(r.Impact*100)),
		})
	}

	var fuelStops []FuelStop
	if distance > p.opts.FuelStopThreshold {
		if candidates := p.AnalyzePotentialFuelStops(origin, destination); len(candidates) > 0 {
			best := candidates[0]
			fuelStops = append(fuelStops, best)
			reasoning = append(reasoning, Reasoning{
				Factor:      "FUEL_STOP",
				Description: fmt.Sprintf("Optimal fuel stop at %s (%s)", best.Airport, best.IATA),
				Impact:      -best.TimeSaved,
				Details:     fmt.Sprintf("Reduces total flight time by %.1f hours", best.TimeSaved),
			})
		}
	}

	var altitude *Altitude
	if alt := p.OptimizeAltitude(distance, risks); alt.TimeSaved > 0 {
		altitude = &alt
		reasoning = append(reasoning, Reasoning{
			Factor:      RiskAltitude,
			Description: fmt.Sprintf("Optimal cruise altitude of %s ft", thousands(alt.Altitude)),
			Impact:      -alt.TimeSaved,
			Details:     fmt.Sprintf("Reduces flight time by %.1f hours", alt.TimeSaved),
		})
	}

	baseTime := p.CalculateDuration(distance, 1)
	total := p.CalculateDuration(distance, weatherFactor)
	for _, s := range fuelStops {
		total -= s.TimeSaved
	}
	if altitude != nil {
		total -= altitude.TimeSaved
	}
	if total < 0 {
		total = 0
	}

	now := p.opts.Now()
	id := p.recent.newID(now)
	res := &Result{
		ID:            id,
		Origin:        origin,
		Destination:   destination,
		Distance:      round1(distance),
		Duration:      round1(total),
		BaseTime:      round1(baseTime),
		WeatherImpact: round1(weatherImpact * 100),
		Bearing:       round1(geo.InitialBearing(point(origin), point(destination))),
		Track:         geo.Track(point(origin), point(destination), p.opts.TrackPoints),
		DepartureTime: now,
		ArrivalTime:   now.Add(time.Duration(total * float64(time.Hour))),
		WeatherRisks:  risks,
		FuelStops:     fuelStops,
		Altitude:      altitude,
		Reasoning:     reasoning,
	}

	summary := Summary{
		ID:          id,
		Timestamp:   now,
		Origin:      originIATA,
		Destination: destinationIATA,
		Distance:    res.Distance,
		Duration:    res.Duration,
	}
	for _, r := range reasoning {
		summary.Optimizations = append(summary.Optimizations, Optimization{
			Type:        r.Factor,
			Description: r.Description,
			Impact:      round1(r.Impact * 100),
		})
	}
	p.metrics.SetRecentOptimizations(p.recent.push(summary))

	return res, nil
}

// AnalyzePotentialFuelStops lists up to three intermediate airports within
// range of both ends that shorten the trip, best first. Routes within the
// aircraft range need no stop.
func (p *Planner) AnalyzePotentialFuelStops(origin, destination store.Airport) []FuelStop {
	direct := p.CalculateDistance(origin, destination)
	if direct <= p.opts.MaxRange {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	directTime := p.CalculateDuration(direct, 1)
	var candidates []FuelStop
	for _, a := range p.airports {
		if a.IATA == origin.IATA || a.IATA == destination.IATA {
			continue
		}
		toStop := p.CalculateDistance(origin, a)
		fromStop := p.CalculateDistance(a, destination)
		if toStop > p.opts.MaxRange || fromStop > p.opts.MaxRange {
			continue
		}

		stopTime := p.CalculateDuration(toStop, 1) + p.opts.RefuelTime + p.CalculateDuration(fromStop, 1)
		candidates = append(candidates, FuelStop{
			Airport:               a.Name,
			IATA:                  a.IATA,
			DistanceFromOrigin:    round1(toStop),
			DistanceToDestination: round1(fromStop),
			TotalDistance:         round1(toStop + fromStop),
			TotalDuration:         round1(stopTime),
			TimeSaved:             round1(directTime - stopTime),
		})
	}
	return RankFuelStops(candidates)
}

// RankFuelStops keeps candidates with a positive time saving, best first,
// at most three. Ties are ordered by IATA code.
func RankFuelStops(candidates []FuelStop) []FuelStop {
	var out []FuelStop
	for _, c := range candidates {
		if c.TimeSaved > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimeSaved != out[j].TimeSaved {
			return out[i].TimeSaved > out[j].TimeSaved
		}
		return out[i].IATA < out[j].IATA
	})
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// OptimizeAltitude suggests a cruise altitude. Long routes climb toward
// 43000 ft and save 0.2 h; strong winds add 2000 ft (capped at 45000) and
// another 0.1 h. A zero TimeSaved means no optimization.
func (p *Planner) OptimizeAltitude(distance float64, risks []WeatherRisk) Altitude {
	altitude := float64(baseAltitude)
	saved := 0.0

	if distance > 3000 {
		altitude = math.Min(maxCruiseAlt, baseAltitude+distance/100)
		saved += 0.2
	}

	for _, r := range risks {
		if r.Type != RiskWindSpeed {
			continue
		}
		if r.Value > 40 {
			altitude = math.Min(maxWindAltitude, altitude+windAltitudeStep)
			saved += 0.1
		}
		break
	}

	return Altitude{Altitude: int(math.Round(altitude)), TimeSaved: round1(saved)}
}

// RecentOptimizations returns the cached plan summaries, newest first.
func (p *Planner) RecentOptimizations() []Summary {
	return p.recent.list()
}

func point(a store.Airport) geo.Point {
	return geo.Point{Latitude: a.Latitude, Longitude: a.Longitude}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// thousands formats n with comma separators.
func thousands(n int) string {
	s := strconv.Itoa(n)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		s = "-" + s
	}
	return s
}
