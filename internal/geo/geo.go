package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the minimal live-position interface required by the offer fan-out
// and the tracking poller.
type Index interface {
	Upsert(d models.Driver)
	Nearby(lat, lon float64, limit int) []models.Driver
	Latest(driverID string) (models.LocationSample, bool)
}

type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	samples map[string]models.LocationSample
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		drivers: make(map[string]models.Driver),
		samples: make(map[string]models.LocationSample),
	}
}

func (g *MemoryIndex) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	g.samples[d.ID] = models.LocationSample{
		DriverID:   d.ID,
		Lat:        d.Loc.Lat,
		Lon:        d.Loc.Lon,
		CapturedAt: d.Updated,
	}
}

func (g *MemoryIndex) Latest(driverID string) (models.LocationSample, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.samples[driverID]
	return s, ok
}

// naive scan; in prod use geo-hash or H3
func (g *MemoryIndex) Nearby(lat, lon float64, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := HaversineKm(lat, lon, d.Loc.Lat, d.Loc.Lon)
		arr = append(arr, pair{d, dist})
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
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out
}

// HaversineKm is the great-circle distance in kilometers, mean Earth radius
// 6371 km. Deterministic for finite inputs; no I/O.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
