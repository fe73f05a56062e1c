package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var upgrader = websocket.Upgrader{}

// wsConn serializes writes; samples arrive from both the push channel and
// the fallback poller goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleDriverWS is the driver session: one coordinator per connection,
// streaming new-ride offers until the socket closes.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}

	c := s.newSession(driverID)
	stream, err := c.ListenForNewRides()
	if err != nil {
		s.logger.Error("listen failed", "driver_id", driverID, "error", err)
		c.Close()
		_ = conn.Close()
		return
	}
	s.sessions.put(driverID, c)
	observability.DriversOnline.Inc()
	ws := &wsConn{conn: conn}
	s.logger.Info("driver session opened", "driver_id", driverID)

	// writer: offers out to the driver app
	go func() {
		for offer := range stream {
			if err := ws.WriteJSON(models.EventFromRide(offer)); err != nil {
				s.logger.Warn("ws send error", "driver_id", driverID, "error", err)
				return
			}
		}
	}()

	// reader: only watching for the client going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.sessions.remove(driverID, c)
	observability.DriversOnline.Dec()
	c.Close()
	_ = conn.Close()
	s.logger.Info("driver session closed", "driver_id", driverID)
}

// handleTrackWS streams a ride's location samples to a rider client.
func (s *Server) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}

	c := s.newSession("tracker-" + newID())
	ws := &wsConn{conn: conn}
	if err := c.SubscribeToRideTracking(r.Context(), rideID, func(sample models.LocationSample) {
		if err := ws.WriteJSON(sample); err != nil {
			s.logger.Warn("ws send error", "ride_id", rideID, "error", err)
		}
	}); err != nil {
		s.writeWSError(conn, err)
		c.Close()
		_ = conn.Close()
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	c.Close()
	_ = conn.Close()
}

func (s *Server) writeWSError(conn *websocket.Conn, err error) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
		time.Now().Add(time.Second))
}
