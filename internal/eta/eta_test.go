package eta

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeRouter struct {
	est   models.RouteEstimate
	err   error
	calls int
}

func (f *fakeRouter) Route(from, to models.Coord) (models.RouteEstimate, error) {
	f.calls++
	return f.est, f.err
}

func TestRouteUsesProvider(t *testing.T) {
	fr := &fakeRouter{est: models.RouteEstimate{DistanceKm: 2.4, DurationMin: 9}}
	e := &Estimator{Router: fr}
	got := e.Route(models.Coord{Lat: 9.509, Lon: -13.712}, models.Coord{Lat: 9.520, Lon: -13.700})
	if got != fr.est {
		t.Fatalf("expected provider estimate, got %+v", got)
	}
}

func TestRouteFallsBackOnProviderError(t *testing.T) {
	fr := &fakeRouter{err: errors.New("timeout")}
	e := &Estimator{Router: fr}
	a := models.Coord{Lat: 9.509, Lon: -13.712}
	b := models.Coord{Lat: 9.520, Lon: -13.700}

	got := e.Route(a, b)
	if got.DistanceKm < 1.6 || got.DistanceKm > 1.9 {
		t.Fatalf("expected haversine ~1.7-1.8 km, got %f", got.DistanceKm)
	}
	if got.DurationMin != 6 {
		t.Fatalf("expected ceil(km*3)=6 min, got %d", got.DurationMin)
	}
}

func TestRouteFallbackWithoutProvider(t *testing.T) {
	e := &Estimator{}
	got := e.Route(models.Coord{}, models.Coord{})
	if got.DistanceKm != 0 || got.DurationMin != 0 {
		t.Fatalf("expected zero estimate for identical coords, got %+v", got)
	}
}

func TestRouteCacheHitSkipsProvider(t *testing.T) {
	fr := &fakeRouter{est: models.RouteEstimate{DistanceKm: 5, DurationMin: 12}}
	e := &Estimator{Router: fr, Cache: NewCache(time.Minute)}
	a := models.Coord{Lat: 1, Lon: 1}
	b := models.Coord{Lat: 2, Lon: 2}

	e.Route(a, b)
	e.Route(a, b)
	if fr.calls != 1 {
		t.Fatalf("expected one provider call, got %d", fr.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 1}
	b := models.Coord{Lat: 2, Lon: 2}
	c.Set(a, b, models.RouteEstimate{DistanceKm: 1})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected expired entry")
	}
}
