// Package dispatch owns one driver session: the standing new-rides
// subscription, per-ride tracking subscriptions with their polling
// fallbacks, and the lifecycle operations on rides. It is the only caller
// of the ride transition table.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/poller"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/track"
)

var (
	// ErrAlreadyTaken means the accept lost the assignment race. The ride is
	// removed from this session's visible queue; it is never retried.
	ErrAlreadyTaken = errors.New("ride already taken")
	// ErrTimeout marks a request/response operation that exceeded its bound.
	// Retryable by the caller.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotRideDriver rejects a lifecycle action from a session that does
	// not hold the ride. The CAS guards concurrency, this guards ownership.
	ErrNotRideDriver = errors.New("ride assigned to another driver")

	ErrClosed           = errors.New("session closed")
	ErrAlreadyListening = errors.New("already listening for new rides")
	ErrAlreadyTracking  = errors.New("already tracking ride")
)

func NewRidesTopic(driverID string) string { return "new-rides-for-driver:" + driverID }
func TrackingTopic(rideID string) string   { return "location-for-ride:" + rideID }

// LocationProducer is the ingest side of the location pipeline (Kafka).
type LocationProducer interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// LiveIndex is the driver live-position record: written on every publish,
// read back by the tracking fallback poller.
type LiveIndex interface {
	Upsert(d models.Driver)
	Latest(driverID string) (models.LocationSample, bool)
}

// SampleRecorder is implemented by live indexes that keep the full last
// sample (heading, speed, capture time) alongside the position.
type SampleRecorder interface {
	SetSample(s models.LocationSample) error
}

type Config struct {
	PollInterval   time.Duration // fallback poll cadence, default 5s
	RequestTimeout time.Duration // bound on accept/refuse/publish, default 10s
	SeenCap        int           // max remembered ride ids, default 256
	BufferCap      int           // samples kept per tracked ride, default 50
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = poller.DefaultInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SeenCap <= 0 {
		c.SeenCap = 256
	}
	if c.BufferCap <= 0 {
		c.BufferCap = track.DefaultCapacity
	}
	return c
}

// subscription pairs a push channel with its fallback poller. The poller
// runs exactly while the channel reports degraded or failed.
type subscription struct {
	channel *push.Channel
	poller  *poller.Poller
}

func (s *subscription) close() {
	s.channel.Close()
	if s.poller.Active() {
		observability.PollersActive.Dec()
	}
	s.poller.Stop()
}

// Coordinator is one driver session. Construct with NewCoordinator, wire the
// optional collaborators, then Close when the session ends.
type Coordinator struct {
	// optional collaborators, set before first use
	Producer LocationProducer // Kafka location ingest
	Live     LiveIndex        // live-position record + tracking poll source
	Pub      push.Publisher   // per-ride location event fan-out

	driverID  string
	store     storage.RideStore
	transport push.Transport
	logger    *slog.Logger
	cfg       Config

	mu         sync.Mutex
	closed     bool
	seen       *seenSet
	suppressed map[string]struct{}
	active     map[string]struct{} // rides this driver is currently serving
	newRides   *subscription
	rides      chan models.Ride
	tracking   map[string]*subscription

	buffers *track.BufferSet
}

func NewCoordinator(driverID string, store storage.RideStore, transport push.Transport, cfg Config, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		driverID:   driverID,
		store:      store,
		transport:  transport,
		logger:     logger.With("driver_id", driverID),
		cfg:        cfg,
		seen:       newSeenSet(cfg.SeenCap),
		suppressed: make(map[string]struct{}),
		active:     make(map[string]struct{}),
		tracking:   make(map[string]*subscription),
		buffers:    track.NewBufferSet(cfg.BufferCap),
	}
}

func (c *Coordinator) DriverID() string { return c.driverID }

// Buffers exposes the per-ride sample buffers for read access.
func (c *Coordinator) Buffers() *track.BufferSet { return c.buffers }

// ListenForNewRides opens the standing new-rides subscription and returns
// the stream of offerable rides. Duplicate deliveries (push/poll overlap)
// and locally refused rides are filtered out before the stream.
func (c *Coordinator) ListenForNewRides() (<-chan models.Ride, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.newRides != nil {
		return nil, ErrAlreadyListening
	}

	c.rides = make(chan models.Ride, 16)
	p := &poller.Poller{Interval: c.cfg.PollInterval, Logger: c.logger}
	sub := &subscription{poller: p}
	sub.channel = push.Open(c.transport, NewRidesTopic(c.driverID),
		func(payload []byte) {
			var ev models.RideEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				c.logger.Warn("dropping malformed ride event", "error", err)
				return
			}
			observability.EventsDelivered.WithLabelValues("push").Inc()
			c.offer(ev.ToRide())
		},
		func(h push.Health) { c.onNewRidesHealth(sub, h) },
		c.logger)
	c.newRides = sub
	return c.rides, nil
}

// onNewRidesHealth toggles the fallback poller: active exactly while the
// channel is degraded or failed.
func (c *Coordinator) onNewRidesHealth(sub *subscription, h push.Health) {
	switch h {
	case push.HealthDegraded, push.HealthFailed:
		if !sub.poller.Active() {
			observability.PollersActive.Inc()
		}
		sub.poller.Start(c.pullRequestedRides)
	case push.HealthSubscribed:
		if sub.poller.Active() {
			observability.PollersActive.Dec()
		}
		sub.poller.Stop()
	}
}

// pullRequestedRides is the poll path: re-query open requests and feed them
// through the same offer filter as push events.
func (c *Coordinator) pullRequestedRides(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	rides, err := c.store.Find(ctx, storage.Filter{Status: ride.StatusRequested})
	if err != nil {
		return err
	}
	for _, r := range rides {
		observability.EventsDelivered.WithLabelValues("poll").Inc()
		c.offer(r)
	}
	return nil
}

// offer is the single ingest point for new-ride events regardless of
// delivery path. Consumers downstream may therefore assume each ride id
// appears at most once.
func (c *Coordinator) offer(r models.Ride) {
	if r.Status != "" && r.Status != ride.StatusRequested {
		return
	}
	c.mu.Lock()
	if c.closed || c.rides == nil {
		c.mu.Unlock()
		return
	}
	if _, refused := c.suppressed[r.ID]; refused {
		c.mu.Unlock()
		return
	}
	if !c.seen.add(r.ID) {
		c.mu.Unlock()
		return
	}
	out := c.rides
	c.mu.Unlock()

	select {
	case out <- r:
	default:
		c.logger.Warn("ride stream full, dropping offer", "ride_id", r.ID)
	}
}

// AcceptRide claims the ride for this driver. At most one driver ever wins:
// the claim is a conditional update keyed on status=requested, executed as a
// single atomic statement at the store. Zero rows affected means another
// driver got there first.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID string) (models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	r, err := c.store.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, c.mapErr(err)
	}
	if r.Status != ride.StatusRequested {
		if ride.Terminal(r.Status) {
			_, terr := ride.Transition(r.Status, ride.ActionAccept)
			observability.InvalidMoves.Inc()
			return models.Ride{}, terr
		}
		// another driver already holds the ride
		c.suppress(rideID)
		return models.Ride{}, ErrAlreadyTaken
	}

	now := time.Now().UTC()
	affected, err := c.store.ConditionalUpdate(ctx, rideID, ride.StatusRequested, storage.Patch{
		Status:     ride.StatusAccepted,
		DriverID:   c.driverID,
		AcceptedAt: &now,
	})
	if err != nil {
		return models.Ride{}, c.mapErr(err)
	}
	if affected == 0 {
		// lost the race: hide the ride from this session, do not retry
		observability.AcceptConflicts.Inc()
		c.suppress(rideID)
		return models.Ride{}, ErrAlreadyTaken
	}

	observability.RidesAccepted.Inc()
	c.mu.Lock()
	c.active[rideID] = struct{}{}
	c.mu.Unlock()

	r.Status = ride.StatusAccepted
	r.DriverID = c.driverID
	r.AcceptedAt = &now
	c.logger.Info("ride accepted", "ride_id", rideID, "code", r.Code)
	return r, nil
}

func (c *Coordinator) suppress(rideID string) {
	c.mu.Lock()
	c.suppressed[rideID] = struct{}{}
	c.mu.Unlock()
}

// RefuseRide hides the ride from this session only. The durable status is
// untouched, so the ride stays offerable to other drivers. The suppression
// list lives in memory and is lost on reconnect; a re-offer after that is
// accepted behavior.
func (c *Coordinator) RefuseRide(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressed[rideID] = struct{}{}
	c.seen.add(rideID)
	c.logger.Info("ride refused locally", "ride_id", rideID)
}

// ProgressRide applies a lifecycle action (arrive, pick up, start, complete,
// cancel) through the transition table, again as a conditional update so a
// concurrent move by anyone else shows up as zero rows. Reaching a terminal
// status releases the ride's buffer and tracking subscription.
func (c *Coordinator) ProgressRide(ctx context.Context, rideID string, action ride.Action) (models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	r, err := c.store.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, c.mapErr(err)
	}
	if r.DriverID != c.driverID {
		return models.Ride{}, fmt.Errorf("%w: ride %s", ErrNotRideDriver, rideID)
	}
	next, terr := ride.Transition(r.Status, action)
	if terr != nil {
		observability.InvalidMoves.Inc()
		return models.Ride{}, terr
	}

	patch := storage.Patch{Status: next}
	var now time.Time
	if next == ride.StatusCompleted {
		now = time.Now().UTC()
		patch.CompletedAt = &now
	}
	affected, err := c.store.ConditionalUpdate(ctx, rideID, r.Status, patch)
	if err != nil {
		return models.Ride{}, c.mapErr(err)
	}
	if affected == 0 {
		// someone else moved the ride between Get and the update
		observability.InvalidMoves.Inc()
		return models.Ride{}, fmt.Errorf("%w: ride %s no longer %s", ride.ErrInvalidTransition, rideID, r.Status)
	}

	r.Status = next
	if patch.CompletedAt != nil {
		r.CompletedAt = patch.CompletedAt
	}
	c.logger.Info("ride transitioned", "ride_id", rideID, "action", string(action), "status", string(next))

	if ride.Terminal(next) {
		c.releaseRide(rideID)
	}
	return r, nil
}

// releaseRide drops per-ride session state once the ride is terminal.
func (c *Coordinator) releaseRide(rideID string) {
	c.buffers.Discard(rideID)
	c.mu.Lock()
	delete(c.active, rideID)
	sub := c.tracking[rideID]
	delete(c.tracking, rideID)
	c.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// PublishLocation records one position sample: into the driver's
// live-position record, onto the ingest pipeline, and into the buffer and
// topic of every ride this session is actively serving. Terminal rides have
// already left the active set and are skipped by construction.
func (c *Coordinator) PublishLocation(ctx context.Context, lat, lon float64, heading, speed *float64) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	rideIDs := make([]string, 0, len(c.active))
	for id := range c.active {
		rideIDs = append(rideIDs, id)
	}
	c.mu.Unlock()

	s := models.LocationSample{
		DriverID:   c.driverID,
		Lat:        lat,
		Lon:        lon,
		Heading:    heading,
		Speed:      speed,
		CapturedAt: time.Now().UTC(),
	}

	if c.Live != nil {
		c.Live.Upsert(models.Driver{ID: c.driverID, Loc: models.Coord{Lat: lat, Lon: lon}, Online: true})
		if sr, ok := c.Live.(SampleRecorder); ok {
			if err := sr.SetSample(s); err != nil {
				c.logger.Warn("live sample write failed", "error", err)
			}
		}
	}
	if c.Producer != nil {
		if err := c.Producer.PublishLocation(ctx, s); err != nil {
			return c.mapErr(err)
		}
	}

	payload, _ := json.Marshal(s)
	for _, rideID := range rideIDs {
		c.buffers.Push(rideID, s)
		if c.Pub != nil {
			if err := c.Pub.Publish(ctx, TrackingTopic(rideID), payload); err != nil {
				c.logger.Warn("location publish failed", "ride_id", rideID, "error", err)
			}
		}
	}
	observability.LocationsPublished.Inc()
	return nil
}

// SubscribeToRideTracking follows another party's position for one ride:
// push channel on the ride's location topic, poll fallback against the
// live-position record. Samples land in the ride's buffer and onSample.
func (c *Coordinator) SubscribeToRideTracking(ctx context.Context, rideID string, onSample func(models.LocationSample)) error {
	getCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	r, err := c.store.Get(getCtx, rideID)
	if err != nil {
		return c.mapErr(err)
	}
	trackedDriver := r.DriverID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.tracking[rideID]; ok {
		c.mu.Unlock()
		return ErrAlreadyTracking
	}

	deliver := func(s models.LocationSample) {
		c.buffers.Push(rideID, s)
		if onSample != nil {
			onSample(s)
		}
	}

	var lastPolled time.Time
	var pollMu sync.Mutex
	pull := func(ctx context.Context) error {
		if c.Live == nil || trackedDriver == "" {
			return nil
		}
		s, ok := c.Live.Latest(trackedDriver)
		if !ok {
			return nil
		}
		pollMu.Lock()
		stale := !s.CapturedAt.After(lastPolled)
		if !stale {
			lastPolled = s.CapturedAt
		}
		pollMu.Unlock()
		if stale {
			return nil
		}
		observability.EventsDelivered.WithLabelValues("poll").Inc()
		deliver(s)
		return nil
	}

	p := &poller.Poller{Interval: c.cfg.PollInterval, Logger: c.logger}
	sub := &subscription{poller: p}
	sub.channel = push.Open(c.transport, TrackingTopic(rideID),
		func(payload []byte) {
			var s models.LocationSample
			if err := json.Unmarshal(payload, &s); err != nil {
				c.logger.Warn("dropping malformed location event", "ride_id", rideID, "error", err)
				return
			}
			observability.EventsDelivered.WithLabelValues("push").Inc()
			deliver(s)
		},
		func(h push.Health) {
			switch h {
			case push.HealthDegraded, push.HealthFailed:
				if !sub.poller.Active() {
					observability.PollersActive.Inc()
				}
				sub.poller.Start(pull)
			case push.HealthSubscribed:
				if sub.poller.Active() {
					observability.PollersActive.Dec()
				}
				sub.poller.Stop()
			}
		},
		c.logger)
	c.tracking[rideID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRideTracking stops following the ride. Synchronous: no sample
// callback fires after it returns.
func (c *Coordinator) UnsubscribeRideTracking(rideID string) {
	c.mu.Lock()
	sub := c.tracking[rideID]
	delete(c.tracking, rideID)
	c.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// Close tears the whole session down. Synchronous: when it returns no
// callback fires and the rides stream is closed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	newRides := c.newRides
	c.newRides = nil
	subs := make([]*subscription, 0, len(c.tracking))
	for _, s := range c.tracking {
		subs = append(subs, s)
	}
	c.tracking = make(map[string]*subscription)
	rides := c.rides
	c.rides = nil
	c.mu.Unlock()

	if newRides != nil {
		newRides.close()
	}
	for _, s := range subs {
		s.close()
	}
	if rides != nil {
		close(rides)
	}
	c.logger.Info("driver session closed")
}

// mapErr folds context deadlines into the Timeout taxonomy; store errors
// pass through (already wrapped as StoreUnavailable by the store).
func (c *Coordinator) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
