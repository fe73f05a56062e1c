package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := s.Offers.Request(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	got, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
	Action   string `json:"action,omitempty"`
}

// withSession runs fn against the driver's live websocket session when one
// exists, or an ephemeral coordinator otherwise, so REST-only drivers can
// still act on rides.
func (s *Server) withSession(driverID string, fn func(c *dispatch.Coordinator)) {
	if c, ok := s.sessions.get(driverID); ok {
		fn(c)
		return
	}
	c := s.newSession(driverID)
	defer c.Close()
	fn(c)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	s.withSession(req.DriverID, func(c *dispatch.Coordinator) {
		accepted, err := c.AcceptRide(r.Context(), rideID)
		if err != nil {
			s.writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, accepted)
	})
}

func (s *Server) handleRefuse(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	// refusal is session-local suppression; without a live session there is
	// nothing to hide, which is fine
	if c, ok := s.sessions.get(req.DriverID); ok {
		c.RefuseRide(rideID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" || req.Action == "" {
		http.Error(w, "driver_id and action required", http.StatusBadRequest)
		return
	}
	s.withSession(req.DriverID, func(c *dispatch.Coordinator) {
		moved, err := c.ProgressRide(r.Context(), rideID, ride.Action(req.Action))
		if err != nil {
			s.writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, moved)
	})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil || sample.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if c, ok := s.sessions.get(sample.DriverID); ok {
		if err := c.PublishLocation(r.Context(), sample.Lat, sample.Lon, sample.Heading, sample.Speed); err != nil {
			s.writeDispatchError(w, err)
			return
		}
	} else {
		// no live session: still feed the live index and the pipeline
		s.Live.Upsert(models.Driver{ID: sample.DriverID, Loc: models.Coord{Lat: sample.Lat, Lon: sample.Lon}, Online: true})
		if sr, ok := s.Live.(dispatch.SampleRecorder); ok {
			_ = sr.SetSample(sample)
		}
		if s.Kafka != nil {
			if err := s.Kafka.PublishLocation(r.Context(), sample); err != nil {
				s.logger.Warn("location ingest failed", "driver_id", sample.DriverID, "error", err)
			}
		}
		observability.LocationsPublished.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDispatchError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyTaken):
		http.Error(w, "ride already taken", http.StatusConflict)
	case errors.Is(err, dispatch.ErrNotRideDriver):
		http.Error(w, "ride assigned to another driver", http.StatusForbidden)
	case errors.Is(err, ride.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "ride not found", http.StatusNotFound)
	case errors.Is(err, dispatch.ErrTimeout):
		http.Error(w, "timed out, retry", http.StatusGatewayTimeout)
	case errors.Is(err, storage.ErrStoreUnavailable):
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
