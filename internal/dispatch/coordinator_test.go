package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{PollInterval: 20 * time.Millisecond, RequestTimeout: 2 * time.Second}
}

func requestedRide(t *testing.T, store storage.RideStore) models.Ride {
	t.Helper()
	r := &models.Ride{
		Status:      ride.StatusRequested,
		Pickup:      models.Coord{Lat: 9.509, Lon: -13.712},
		Destination: models.Coord{Lat: 9.520, Lon: -13.700},
		PriceTotal:  15000,
		DistanceKm:  1.8,
		RequestedAt: time.Now().UTC(),
	}
	if _, err := store.Insert(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return *r
}

func TestAcceptRideAtMostOneWinner(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	r := requestedRide(t, store)

	const n = 8
	coords := make([]*Coordinator, n)
	for i := 0; i < n; i++ {
		coords[i] = NewCoordinator(string(rune('a'+i)), store, bus, testConfig(), quietLogger())
		defer coords[i].Close()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	taken := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			_, err := c.AcceptRide(context.Background(), r.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrAlreadyTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(coords[i])
	}
	wg.Wait()
	if winners != 1 || taken != n-1 {
		t.Fatalf("expected 1 winner and %d AlreadyTaken, got %d/%d", n-1, winners, taken)
	}
	got, _ := store.Get(context.Background(), r.ID)
	if got.Status != ride.StatusAccepted || got.DriverID == "" {
		t.Fatalf("ride not assigned: %+v", got)
	}
}

func TestAcceptTerminalRideInvalidTransition(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	r := &models.Ride{Status: ride.StatusCompleted, DriverID: "other"}
	store.Insert(context.Background(), r)

	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	defer c.Close()
	if _, err := c.AcceptRide(context.Background(), r.ID); !errors.Is(err, ride.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAcceptHeldRideAlreadyTaken(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	r := &models.Ride{Status: ride.StatusAccepted, DriverID: "other"}
	store.Insert(context.Background(), r)

	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	defer c.Close()
	if _, err := c.AcceptRide(context.Background(), r.ID); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken, got %v", err)
	}
}

func TestDuplicateDeliveryAppearsOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	r := requestedRide(t, store)

	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	defer c.Close()
	stream, err := c.ListenForNewRides()
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(models.EventFromRide(r))
	// wait for the subscription, then deliver the same event twice
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_ = bus.Publish(context.Background(), NewRidesTopic("d1"), payload)
		time.Sleep(10 * time.Millisecond)
	}

	seen := 0
	timeout := time.After(200 * time.Millisecond)
	for {
		select {
		case got, ok := <-stream:
			if !ok {
				t.Fatal("stream closed early")
			}
			if got.ID != r.ID {
				t.Fatalf("unexpected ride %s", got.ID)
			}
			seen++
		case <-timeout:
			if seen != 1 {
				t.Fatalf("expected ride delivered exactly once, got %d", seen)
			}
			return
		}
	}
}

func TestRefusedRideIsSuppressed(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	r := requestedRide(t, store)

	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	defer c.Close()
	c.RefuseRide(r.ID)

	stream, err := c.ListenForNewRides()
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(models.EventFromRide(r))
	time.Sleep(50 * time.Millisecond)
	_ = bus.Publish(context.Background(), NewRidesTopic("d1"), payload)

	select {
	case got := <-stream:
		t.Fatalf("refused ride was delivered: %+v", got)
	case <-time.After(150 * time.Millisecond):
	}

	// durable status untouched: still offerable elsewhere
	stored, _ := store.Get(context.Background(), r.ID)
	if stored.Status != ride.StatusRequested {
		t.Fatalf("refuse mutated durable status: %s", stored.Status)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// deadlineStore simulates a store call that ran out its context budget.
type deadlineStore struct {
	storage.RideStore
}

func (deadlineStore) Get(ctx context.Context, id string) (models.Ride, error) {
	return models.Ride{}, context.DeadlineExceeded
}

func TestAcceptDeadlineSurfacesTimeout(t *testing.T) {
	bus := push.NewBus()
	defer bus.Close()
	c := NewCoordinator("d1", deadlineStore{storage.NewMemoryStore()}, bus, testConfig(), quietLogger())
	defer c.Close()

	_, err := c.AcceptRide(context.Background(), "r1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, storage.ErrStoreUnavailable) {
		t.Fatalf("deadline overrun misreported as store outage: %v", err)
	}
}

func TestProgressRideRejectsForeignDriver(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	r := &models.Ride{Status: ride.StatusAccepted, DriverID: "other"}
	store.Insert(context.Background(), r)

	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	defer c.Close()
	if _, err := c.ProgressRide(context.Background(), r.ID, ride.ActionArrive); !errors.Is(err, ErrNotRideDriver) {
		t.Fatalf("expected ErrNotRideDriver, got %v", err)
	}
	got, _ := store.Get(context.Background(), r.ID)
	if got.Status != ride.StatusAccepted {
		t.Fatalf("foreign driver moved the ride: %s", got.Status)
	}
}

// toggleTransport hands out streams the test can break, and can hold the
// resubscribe handshake open to keep the channel degraded.
type toggleStream struct {
	ch chan []byte
}

func (s *toggleStream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-s.ch:
		if !ok {
			return nil, errors.New("stream lost")
		}
		return p, nil
	}
}

func (s *toggleStream) Close() error { return nil }

type toggleTransport struct {
	mu      sync.Mutex
	hold    chan struct{}
	streams []*toggleStream
}

func (tr *toggleTransport) Subscribe(ctx context.Context, topic string) (push.Stream, error) {
	tr.mu.Lock()
	hold := tr.hold
	tr.mu.Unlock()
	if hold != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-hold:
		}
	}
	s := &toggleStream{ch: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.streams = append(tr.streams, s)
	tr.mu.Unlock()
	return s, nil
}

func (tr *toggleTransport) latest() *toggleStream {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.streams[len(tr.streams)-1]
}

func TestPollerActiveExactlyWhileDegraded(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := &toggleTransport{}
	c := NewCoordinator("d1", store, tr, testConfig(), quietLogger())
	defer c.Close()

	if _, err := c.ListenForNewRides(); err != nil {
		t.Fatal(err)
	}
	sub := c.newRides

	waitUntil(t, time.Second, func() bool { return sub.channel.Health() == push.HealthSubscribed })
	if sub.poller.Active() {
		t.Fatal("poller running while channel subscribed")
	}

	// break the stream while blocking the resubscribe handshake
	release := make(chan struct{})
	tr.mu.Lock()
	tr.hold = release
	tr.mu.Unlock()
	close(tr.latest().ch)

	waitUntil(t, time.Second, func() bool { return sub.channel.Health() == push.HealthDegraded })
	waitUntil(t, time.Second, func() bool { return sub.poller.Active() })

	// let the handshake through: channel recovers, poller stops
	close(release)
	waitUntil(t, 2*time.Second, func() bool { return sub.channel.Health() == push.HealthSubscribed })
	waitUntil(t, time.Second, func() bool { return !sub.poller.Active() })
}

// brokenTransport never completes a handshake, forcing the channel to
// failed and the fallback poller on.
type brokenTransport struct{}

func (brokenTransport) Subscribe(ctx context.Context, topic string) (push.Stream, error) {
	return nil, errors.New("broker unreachable")
}

func TestFallbackPollerDeliversWhenChannelFails(t *testing.T) {
	store := storage.NewMemoryStore()
	c := NewCoordinator("d1", store, brokenTransport{}, testConfig(), quietLogger())
	defer c.Close()

	stream, err := c.ListenForNewRides()
	if err != nil {
		t.Fatal(err)
	}

	// ride created after the channel has gone failed must still arrive
	r := requestedRide(t, store)
	select {
	case got := <-stream:
		if got.ID != r.ID {
			t.Fatalf("unexpected ride %s", got.ID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("fallback poller never delivered the ride")
	}
}

func TestProgressRideLifecycleAndRelease(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	r := requestedRide(t, store)
	ctx := context.Background()

	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	defer c.Close()
	if _, err := c.AcceptRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	_ = c.PublishLocation(ctx, 9.51, -13.71, nil, nil)
	if c.Buffers().Len(r.ID) != 1 {
		t.Fatalf("expected buffered sample, got %d", c.Buffers().Len(r.ID))
	}

	steps := []ride.Action{ride.ActionArrive, ride.ActionPickUp, ride.ActionStart, ride.ActionComplete}
	for _, a := range steps {
		if _, err := c.ProgressRide(ctx, r.ID, a); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != ride.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected final ride %+v", got)
	}
	if c.Buffers().Len(r.ID) != 0 {
		t.Fatal("buffer not discarded after terminal transition")
	}

	// terminal rides are skipped by publish
	_ = c.PublishLocation(ctx, 9.52, -13.70, nil, nil)
	if c.Buffers().Len(r.ID) != 0 {
		t.Fatal("terminal ride received a sample")
	}

	if _, err := c.ProgressRide(ctx, r.ID, ride.ActionCancel); !errors.Is(err, ride.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on terminal ride, got %v", err)
	}
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func TestPublishLocationFansOutToActiveRides(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	ctx := context.Background()
	r1 := requestedRide(t, store)
	r2 := requestedRide(t, store)

	pub := &capturingPublisher{}
	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	c.Pub = pub
	defer c.Close()

	if _, err := c.AcceptRide(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AcceptRide(ctx, r2.ID); err != nil {
		t.Fatal(err)
	}
	heading := 90.0
	if err := c.PublishLocation(ctx, 9.51, -13.71, &heading, nil); err != nil {
		t.Fatal(err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 2 {
		t.Fatalf("expected 2 topic publishes, got %v", pub.topics)
	}
	want := map[string]bool{TrackingTopic(r1.ID): true, TrackingTopic(r2.ID): true}
	for _, topic := range pub.topics {
		if !want[topic] {
			t.Fatalf("unexpected topic %s", topic)
		}
	}
}

func TestSubscribeToRideTrackingReceivesSamples(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()
	ctx := context.Background()
	r := &models.Ride{Status: ride.StatusAccepted, DriverID: "d-other"}
	store.Insert(ctx, r)

	c := NewCoordinator("rider-session", store, bus, testConfig(), quietLogger())
	defer c.Close()

	var mu sync.Mutex
	var got []models.LocationSample
	if err := c.SubscribeToRideTracking(ctx, r.ID, func(s models.LocationSample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.SubscribeToRideTracking(ctx, r.ID, nil); !errors.Is(err, ErrAlreadyTracking) {
		t.Fatalf("expected ErrAlreadyTracking, got %v", err)
	}

	sample := models.LocationSample{DriverID: "d-other", Lat: 9.51, Lon: -13.71, CapturedAt: time.Now()}
	payload, _ := json.Marshal(sample)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_ = bus.Publish(ctx, TrackingTopic(r.ID), payload)
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no tracking samples delivered")
	}
	if got[0].Lat != 9.51 {
		t.Fatalf("unexpected sample %+v", got[0])
	}
	if c.Buffers().Len(r.ID) == 0 {
		t.Fatal("sample not buffered")
	}
}

func TestCloseStopsStream(t *testing.T) {
	store := storage.NewMemoryStore()
	bus := push.NewBus()
	defer bus.Close()

	c := NewCoordinator("d1", store, bus, testConfig(), quietLogger())
	stream, err := c.ListenForNewRides()
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream")
	}
	if _, err := c.ListenForNewRides(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
