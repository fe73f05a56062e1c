// Package offers handles ride intake: estimate, persist, and fan the new
// ride out to the drivers best placed to take it.
package offers

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Geo interface {
	Nearby(lat, lon float64, limit int) []models.Driver
}

type Service struct {
	Geo       Geo
	Pub       push.Publisher
	Store     storage.RideStore
	Estimator *eta.Estimator
	Notifier  *WebhookNotifier // optional driver-app backend push
	Logger    *slog.Logger

	TopN     int
	BaseFare float64 // flat component of the price estimate
	PerKm    float64 // per-kilometer component
}

// Request prices and persists a new ride, then publishes it to the topics
// of up to TopN nearby online drivers. The ride stays requested until one
// of them wins the accept race.
func (s *Service) Request(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 8
	}
	est := s.Estimator.Route(req.Pickup, req.Destination)

	r := models.Ride{
		Status:      ride.StatusRequested,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		DistanceKm:  models.RoundKm(est.DistanceKm),
		PriceTotal:  s.price(est.DistanceKm),
		RequestedAt: time.Now().UTC(),
	}
	if _, err := s.Store.Insert(ctx, &r); err != nil {
		return models.Ride{}, err
	}
	observability.RidesRequested.Inc()

	payload, _ := json.Marshal(models.EventFromRide(r))
	cands := s.Geo.Nearby(req.Pickup.Lat, req.Pickup.Lon, topN)
	for _, d := range cands {
		if err := s.Pub.Publish(ctx, dispatch.NewRidesTopic(d.ID), payload); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("offer publish failed", "ride_id", r.ID, "driver_id", d.ID, "error", err)
			}
			continue
		}
		observability.OffersPublished.Inc()
		if s.Notifier != nil {
			s.Notifier.Notify(ctx, d.ID, payload)
		}
	}
	if s.Logger != nil {
		s.Logger.Info("ride requested", "ride_id", r.ID, "code", r.Code, "candidates", len(cands))
	}
	return r, nil
}

// price is a flat estimate, computed once at request time and immutable
// after. Anything smarter belongs to the marketplace, not here.
func (s *Service) price(distanceKm float64) float64 {
	base, perKm := s.BaseFare, s.PerKm
	if perKm <= 0 {
		perKm = 3000 // GNF per km, city default
	}
	return math.Round(base + perKm*distanceKm)
}
