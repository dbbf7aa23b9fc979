package inference

import (
	"container/heap"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cognicore/aeroute/pkg/aeroute/geo"
	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// Constraints tune the A* edge cost.
type Constraints struct {
	// TimeWeight adds typicalDuration*TimeWeight to each edge's distance.
	TimeWeight float64
}

// Leg is one route of a found path.
type Leg struct {
	RouteID     int64
	Origin      store.Airport
	Destination store.Airport
	Distance    float64
	Duration    float64
}

// Path is the result of FindOptimalRoute.
type Path struct {
	Airports []store.Airport
	Legs     []Leg
	Cost     float64
	Expanded int
}

// openItem is an entry of the A* open set.
type openItem struct {
	id    int64
	f     float64
	index int
}

// openSet orders by fScore, then by lowest airport id.
type openSet []*openItem

func (s openSet) Len() int { return len(s) }

func (s openSet) Less(i, j int) bool {
	if s[i].f != s[j].f {
		return s[i].f < s[j].f
	}
	return s[i].id < s[j].id
}

func (s openSet) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].index = i
	s[j].index = j
}

func (s *openSet) Push(x any) {
	item := x.(*openItem)
	item.index = len(*s)
	*s = append(*s, item)
}

func (s *openSet) Pop() any {
	old := *s
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*s = old[:n-1]
	return item
}

// FindOptimalRoute runs A* from start to end over the stored route graph.
// The heuristic is the great-circle distance in nautical miles. It returns
// nil, nil when end is unreachable.
func (e *Engine) FindOptimalRoute(ctx context.Context, start, end int64, c *Constraints) (*Path, error) {
	airportList, err := e.store.ListAirports(ctx)
	if err != nil {
		return nil, fmt.Errorf("load airports: %w", err)
	}
	routes, err := e.store.ListRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	airports := make(map[int64]store.Airport, len(airportList))
	for _, a := range airportList {
		airports[a.ID] = a
	}
	if _, ok := airports[start]; !ok {
		return nil, fmt.Errorf("start airport %d: %w", start, internalerr.ErrNotFound)
	}
	goal, ok := airports[end]
	if !ok {
		return nil, fmt.Errorf("end airport %d: %w", end, internalerr.ErrNotFound)
	}

	edges := make(map[int64][]store.RouteRecord)
	for _, r := range routes {
		if _, ok := airports[r.DestinationID]; !ok {
			continue
		}
		edges[r.OriginID] = append(edges[r.OriginID], r)
	}

	timeWeight := 0.0
	if c != nil {
		timeWeight = c.TimeWeight
	}
	cost := func(r store.RouteRecord) float64 {
		if timeWeight != 0 {
			return r.Distance + r.TypicalDuration*timeWeight
		}
		return r.Distance
	}
	goalPoint := point(goal)
	h := func(id int64) float64 {
		return geo.DistanceNM(point(airports[id]), goalPoint)
	}

	gScore := map[int64]float64{start: 0}
	fScore := map[int64]float64{start: h(start)}
	cameFrom := make(map[int64]store.RouteRecord)
	closed := make(map[int64]bool)

	open := &openSet{}
	heap.Push(open, &openItem{id: start, f: fScore[start]})

	expanded := 0
	for open.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := heap.Pop(open).(*openItem)
		if closed[current.id] || current.f > fScore[current.id] {
			continue
		}
		closed[current.id] = true
		expanded++

		if current.id == end {
			e.metrics.ObserveExpansions(expanded)
			path := reconstruct(airports, cameFrom, start, end)
			path.Cost = gScore[end]
			path.Expanded = expanded
			return path, nil
		}

		for _, r := range edges[current.id] {
			next := r.DestinationID
			if closed[next] {
				continue
			}
			tentative := gScore[current.id] + cost(r)
			if g, seen := gScore[next]; seen && tentative >= g {
				continue
			}
			cameFrom[next] = r
			gScore[next] = tentative
			fScore[next] = tentative + h(next)
			heap.Push(open, &openItem{id: next, f: fScore[next]})
		}
	}

	e.metrics.ObserveExpansions(expanded)
	e.logger.Debug("no path found",
		zap.Int64("start", start),
		zap.Int64("end", end),
		zap.Int("expanded", expanded))
	return nil, nil
}

func reconstruct(airports map[int64]store.Airport, cameFrom map[int64]store.RouteRecord, start, end int64) *Path {
	var legs []Leg
	for id := end; id != start; {
		r := cameFrom[id]
		legs = append(legs, Leg{
			RouteID:     r.ID,
			Origin:      airports[r.OriginID],
			Destination: airports[r.DestinationID],
			Distance:    r.Distance,
			Duration:    r.TypicalDuration,
		})
		id = r.OriginID
	}

	// legs were collected goal-first
	for i, j := 0, len(legs)-1; i < j; i, j = i+1, j-1 {
		legs[i], legs[j] = legs[j], legs[i]
	}

	path := &Path{Airports: []store.Airport{airports[start]}, Legs: legs}
	for _, l := range legs {
		path.Airports = append(path.Airports, l.Destination)
	}
	return path
}

func point(a store.Airport) geo.Point {
	return geo.Point{Latitude: a.Latitude, Longitude: a.Longitude}
}
