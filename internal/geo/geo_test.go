package geo

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineKmZero(t *testing.T) {
	if d := HaversineKm(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKmShortHop(t *testing.T) {
	// Conakry city block pair, roughly 1.7-1.8 km apart
	d := HaversineKm(9.509, -13.712, 9.520, -13.700)
	if d < 1.6 || d > 1.9 {
		t.Fatalf("expected ~1.7-1.8 km, got %f", d)
	}
}

func TestMemoryIndexNearbyOrdersByDistance(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(models.Driver{ID: "far", Loc: models.Coord{Lat: 9.60, Lon: -13.60}, Online: true})
	idx.Upsert(models.Driver{ID: "near", Loc: models.Coord{Lat: 9.51, Lon: -13.71}, Online: true})
	idx.Upsert(models.Driver{ID: "offline", Loc: models.Coord{Lat: 9.509, Lon: -13.712}, Online: false})

	got := idx.Nearby(9.509, -13.712, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(got))
	}
	if got[0].ID != "near" {
		t.Fatalf("expected nearest first, got %s", got[0].ID)
	}
	for _, d := range got {
		if d.ID == "offline" {
			t.Fatal("offline driver should be excluded")
		}
	}
}

func TestMemoryIndexLatest(t *testing.T) {
	idx := NewMemoryIndex()
	if _, ok := idx.Latest("d1"); ok {
		t.Fatal("expected no sample before upsert")
	}
	idx.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true})
	s, ok := idx.Latest("d1")
	if !ok || s.Lat != 1 || s.Lon != 2 {
		t.Fatalf("unexpected sample %+v ok=%v", s, ok)
	}
}
