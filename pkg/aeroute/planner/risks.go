package planner

import (
	"context"
	"math"

	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// Severity grades a weather risk.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityModerate Severity = "MODERATE"
	SeverityHigh     Severity = "HIGH"
)

// Weather risk types.
const (
	RiskWindSpeed  = "WIND_SPEED"
	RiskVisibility = "VISIBILITY"
	RiskAltitude   = "ALTITUDE"
)

// WeatherRisk is a derived risk along a route. Impact is the signed
// fraction applied to the flight duration.
type WeatherRisk struct {
	Type        string   `json:"type"`
	Value       float64  `json:"value"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Impact      float64  `json:"impact"`
}

// RiskProvider produces the weather risks for a route.
type RiskProvider interface {
	Risks(ctx context.Context, origin, destination store.Airport, distance float64) ([]WeatherRisk, error)
}

// GeometricRisks synthesizes risks from the route geometry alone.
type GeometricRisks struct{}

// Risks implements RiskProvider.
func (GeometricRisks) Risks(_ context.Context, origin, destination store.Airport, distance float64) ([]WeatherRisk, error) {
	var risks []WeatherRisk

	latDiff := math.Abs(origin.Latitude - destination.Latitude)
	if latDiff > 10 {
		r := WeatherRisk{
			Type:        RiskWindSpeed,
			Value:       45 + latDiff*0.5,
			Severity:    SeverityModerate,
			Description: "Moderate wind conditions due to latitude difference",
			Impact:      0.08,
		}
		if latDiff > 20 {
			r.Severity = SeverityHigh
			r.Description = "Strong wind conditions due to latitude difference"
			r.Impact = 0.15
		}
		risks = append(risks, r)
	}

	if distance > 3000 {
		r := WeatherRisk{
			Type:        RiskVisibility,
			Value:       math.Max(5, 10-distance/1000),
			Severity:    SeverityLow,
			Description: "Reduced visibility on long-haul flights",
			Impact:      0.05,
		}
		if distance > 5000 {
			r.Severity = SeverityModerate
			r.Impact = 0.1
		}
		risks = append(risks, r)
	}

	lonDiff := math.Abs(origin.Longitude - destination.Longitude)
	if lonDiff > 15 {
		r := WeatherRisk{
			Type:        RiskAltitude,
			Value:       35000 + lonDiff*100,
			Severity:    SeverityModerate,
			Description: "Altitude adjustments required for optimal route",
			Impact:      -0.05,
		}
		if lonDiff > 30 {
			r.Severity = SeverityHigh
			r.Impact = -0.1
		}
		risks = append(risks, r)
	}

	return risks, nil
}
