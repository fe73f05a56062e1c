package offers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeGeo struct{ drivers []models.Driver }

func (f *fakeGeo) Nearby(lat, lon float64, limit int) []models.Driver { return f.drivers }

type capturePub struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (p *capturePub) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestRequestPersistsAndFansOut(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &capturePub{}
	g := &fakeGeo{drivers: []models.Driver{
		{ID: "d1", Online: true},
		{ID: "d2", Online: true},
	}}
	s := &Service{Geo: g, Pub: pub, Store: store, Estimator: &eta.Estimator{}, TopN: 8, PerKm: 3000}

	req := models.RideRequest{
		RiderID:     "rider-1",
		Pickup:      models.Coord{Lat: 9.509, Lon: -13.712},
		Destination: models.Coord{Lat: 9.520, Lon: -13.700},
	}
	r, err := s.Request(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" || r.Code == "" {
		t.Fatalf("missing id/code: %+v", r)
	}
	if r.Status != ride.StatusRequested {
		t.Fatalf("expected requested status, got %s", r.Status)
	}
	// haversine fallback (~1.8 km) rounded for display
	if r.DistanceKm < 1.6 || r.DistanceKm > 1.9 {
		t.Fatalf("unexpected distance %f", r.DistanceKm)
	}
	if r.PriceTotal <= 0 {
		t.Fatalf("expected priced ride, got %f", r.PriceTotal)
	}

	stored, err := store.Get(context.Background(), r.ID)
	if err != nil || stored.Status != ride.StatusRequested {
		t.Fatalf("ride not persisted: %+v err=%v", stored, err)
	}

	if len(pub.topics) != 2 {
		t.Fatalf("expected 2 publishes, got %v", pub.topics)
	}
	if pub.topics[0] != dispatch.NewRidesTopic("d1") || pub.topics[1] != dispatch.NewRidesTopic("d2") {
		t.Fatalf("unexpected topics %v", pub.topics)
	}
	var ev models.RideEvent
	if err := json.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != r.ID || ev.Status != string(ride.StatusRequested) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRequestDefaultsTopNWithoutMutatingService(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &capturePub{}
	g := &fakeGeo{drivers: []models.Driver{{ID: "d1", Online: true}}}
	s := &Service{Geo: g, Pub: pub, Store: store, Estimator: &eta.Estimator{}}

	if _, err := s.Request(context.Background(), models.RideRequest{}); err != nil {
		t.Fatal(err)
	}
	if s.TopN != 0 {
		t.Fatalf("Request mutated shared service state: TopN=%d", s.TopN)
	}
	if len(pub.topics) != 1 {
		t.Fatalf("expected fan-out with defaulted limit, got %v", pub.topics)
	}
}

func TestRequestWithNoDriversStillPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	s := &Service{Geo: &fakeGeo{}, Pub: &capturePub{}, Store: store, Estimator: &eta.Estimator{}}
	r, err := s.Request(context.Background(), models.RideRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), r.ID); err != nil {
		t.Fatal("ride should persist even with no candidates nearby")
	}
}
