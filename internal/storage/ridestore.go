// Package storage is the durable-store boundary for rides. The one
// correctness-critical operation is ConditionalUpdate: a single-statement
// compare-and-swap on the ride status, never a read-then-write pair.
package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

var (
	ErrNotFound = errors.New("ride not found")
	// ErrStoreUnavailable wraps any backend failure; fatal for the operation
	// in progress, never buffered for replay.
	ErrStoreUnavailable = errors.New("ride store unavailable")
)

// Filter selects rides by status and/or assigned driver.
type Filter struct {
	Status   ride.Status   // exact match when set
	Statuses []ride.Status // any-of when non-empty
	DriverID string
}

// Patch is the mutable subset applied by ConditionalUpdate. DriverID is
// written only when non-empty; timestamps only when non-nil.
type Patch struct {
	Status      ride.Status
	DriverID    string
	AcceptedAt  *time.Time
	CompletedAt *time.Time
}

// RideStore is the durable query interface.
type RideStore interface {
	Insert(ctx context.Context, r *models.Ride) (string, error)
	Get(ctx context.Context, id string) (models.Ride, error)
	Find(ctx context.Context, f Filter) ([]models.Ride, error)
	// ConditionalUpdate applies patch iff the ride's current status equals
	// expected, returning the number of rows affected. Zero means the
	// precondition did not hold.
	ConditionalUpdate(ctx context.Context, id string, expected ride.Status, patch Patch) (int64, error)
}

// NewRideID returns a fresh opaque id and its human-readable code.
func NewRideID() (id, code string) {
	id = uuid.NewString()
	code = "R-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:6])
	return id, code
}

// MemoryStore keeps rides in a map behind a mutex. The lock makes
// ConditionalUpdate atomic, mirroring the database CAS.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) Insert(ctx context.Context, r *models.Ride) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID, r.Code = NewRideID()
	}
	m.rides[r.ID] = *r
	return r.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Find(ctx context.Context, f Filter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if !matches(r, f) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expected ride.Status, patch Patch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != expected {
		return 0, nil
	}
	r.Status = patch.Status
	if patch.DriverID != "" {
		r.DriverID = patch.DriverID
	}
	if patch.AcceptedAt != nil {
		r.AcceptedAt = patch.AcceptedAt
	}
	if patch.CompletedAt != nil {
		r.CompletedAt = patch.CompletedAt
	}
	m.rides[id] = r
	return 1, nil
}

func matches(r models.Ride, f Filter) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	return true
}
