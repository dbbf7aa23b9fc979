// Package geo provides great-circle helpers over WGS84 degree coordinates.
package geo

import "math"

// Earth radii used by the planner (km) and the path search heuristic (nm).
const (
	EarthRadiusKM = 6371.0
	EarthRadiusNM = 3440.065
)

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Valid reports whether both coordinates are finite and in range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// Haversine returns the great-circle distance between a and b on a sphere
// of the given radius. The result is in the radius' unit.
func Haversine(a, b Point, radius float64) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return radius * 2 * math.Asin(math.Sqrt(h))
}

// DistanceKM is Haversine on the kilometre radius.
func DistanceKM(a, b Point) float64 { return Haversine(a, b, EarthRadiusKM) }

// DistanceNM is Haversine on the nautical-mile radius.
func DistanceNM(a, b Point) float64 { return Haversine(a, b, EarthRadiusNM) }

// InitialBearing returns the forward azimuth from a to b in degrees [0, 360).
func InitialBearing(a, b Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
}

// Intermediate returns the point at the given fraction (0..1) along the
// great circle from a to b.
func Intermediate(a, b Point, fraction float64) Point {
	lat1, lon1 := toRadians(a.Latitude), toRadians(a.Longitude)
	lat2, lon2 := toRadians(b.Latitude), toRadians(b.Longitude)

	delta := Haversine(a, b, 1)
	if delta == 0 {
		return a
	}

	sinDelta := math.Sin(delta)
	wa := math.Sin((1-fraction)*delta) / sinDelta
	wb := math.Sin(fraction*delta) / sinDelta

	x := wa*math.Cos(lat1)*math.Cos(lon1) + wb*math.Cos(lat2)*math.Cos(lon2)
	y := wa*math.Cos(lat1)*math.Sin(lon1) + wb*math.Cos(lat2)*math.Sin(lon2)
	z := wa*math.Sin(lat1) + wb*math.Sin(lat2)

	return Point{
		Latitude:  toDegrees(math.Atan2(z, math.Sqrt(x*x+y*y))),
		Longitude: toDegrees(math.Atan2(y, x)),
	}
}

// Track samples segments+1 evenly spaced points along the great circle,
// endpoints included.
func Track(a, b Point, segments int) []Point {
	if segments <= 0 {
		return []Point{a, b}
	}
	points := make([]Point, 0, segments+1)
	for i := 0; i <= segments; i++ {
		points = append(points, Intermediate(a, b, float64(i)/float64(segments)))
	}
	return points
}
