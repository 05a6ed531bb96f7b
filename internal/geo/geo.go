package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// Geo is the minimal interface required by proximity alerts and handlers.
type Geo interface {
	Nearby(lat, lon, radiusMeters float64, limit int) []models.UserPosition
	Upsert(p models.UserPosition)
	Remove(userID string)
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]models.UserPosition
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.UserPosition)}
}

func (g *Index) Upsert(p models.UserPosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.positions[p.UserID] = p
}

func (g *Index) Remove(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, userID)
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lon, radiusMeters float64, limit int) []models.UserPosition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.UserPosition
		dist float64
	}
	arr := make([]pair, 0, len(g.positions))
	for _, p := range g.positions {
		if !p.Online {
			continue
		}
		dist := Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if radiusMeters > 0 && dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.UserPosition, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Bearing returns the initial course in degrees from point 1 to point 2,
// normalized to [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(φ2)
	x := math.Cos(φ1)*math.Sin(φ2) - math.Sin(φ1)*math.Cos(φ2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}
