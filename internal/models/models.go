package models

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/ride"
)

type Coord struct {
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lng"`
}

// Ride is the durable record for a single trip request. DriverID is set
// exactly once, on accept; reassignment is modeled as cancel + new ride.
type Ride struct {
	ID          string      `json:"id"`
	Code        string      `json:"code"`
	Status      ride.Status `json:"status"`
	Pickup      Coord       `json:"pickup"`
	Destination Coord       `json:"destination"`
	DriverID    string      `json:"driver_id,omitempty"`
	PriceTotal  float64     `json:"price_total"`
	DistanceKm  float64     `json:"distance_km"`
	RequestedAt time.Time   `json:"requested_at"`
	AcceptedAt  *time.Time  `json:"accepted_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// RideRequest is the intake DTO for a new trip.
type RideRequest struct {
	RiderID     string `json:"rider_id"`
	Pickup      Coord  `json:"pickup"`
	Destination Coord  `json:"destination"`
}

// LocationSample is one driver position report. Samples are ephemeral: they
// live in per-ride ring buffers and the live-position index, never in Postgres.
type LocationSample struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lng"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	CapturedAt time.Time `json:"timestamp"`
}

// RideEvent is the wire shape published on new-ride topics.
type RideEvent struct {
	ID         string  `json:"id"`
	RideCode   string  `json:"ride_code"`
	PickupLat  float64 `json:"pickup_lat"`
	PickupLng  float64 `json:"pickup_lng"`
	DropoffLat float64 `json:"dropoff_lat"`
	DropoffLng float64 `json:"dropoff_lng"`
	PriceTotal float64 `json:"price_total"`
	DistanceKm float64 `json:"distance_km"`
	Status     string  `json:"status"`
}

// Driver is the live-position view of a driver used by the offer fan-out.
type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// RouteEstimate is the distance/duration pair shown to both parties.
type RouteEstimate struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
}

func EventFromRide(r Ride) RideEvent {
	return RideEvent{
		ID:         r.ID,
		RideCode:   r.Code,
		PickupLat:  r.Pickup.Lat,
		PickupLng:  r.Pickup.Lon,
		DropoffLat: r.Destination.Lat,
		DropoffLng: r.Destination.Lon,
		PriceTotal: r.PriceTotal,
		DistanceKm: r.DistanceKm,
		Status:     string(r.Status),
	}
}

func (e RideEvent) ToRide() Ride {
	return Ride{
		ID:          e.ID,
		Code:        e.RideCode,
		Status:      ride.Status(e.Status),
		Pickup:      Coord{Lat: e.PickupLat, Lon: e.PickupLng},
		Destination: Coord{Lat: e.DropoffLat, Lon: e.DropoffLng},
		PriceTotal:  e.PriceTotal,
		DistanceKm:  e.DistanceKm,
	}
}

// RoundKm rounds a distance for display; estimate math keeps full precision.
func RoundKm(km float64) float64 { return math.Round(km*10) / 10 }
