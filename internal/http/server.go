// Package httpapi is the service surface: ride intake, lifecycle actions,
// driver location ingest, and the websocket streams driver and rider apps
// subscribe to.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/storage"
)

// TransportPublisher is the broker as seen from this process: both sides of
// the topic abstraction. The in-process bus and the Redis transport satisfy
// it.
type TransportPublisher interface {
	push.Transport
	push.Publisher
}

type Server struct {
	Store     storage.RideStore
	Transport TransportPublisher
	Live      dispatch.LiveIndex
	Kafka     *ingest.KafkaProducer
	Offers    *offers.Service

	cfg      config.ServerConfig
	logger   *slog.Logger
	mux      *mux.Router
	sessions *sessionRegistry
}

// NewServer wires the service from config: Redis-backed transport and
// live-position index when REDIS_ADDR is set, Postgres when PG_DSN is set,
// in-process fallbacks otherwise.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var transport TransportPublisher
	var live dispatch.LiveIndex
	var nearby offers.Geo
	if cfg.RedisAddr != "" {
		transport = push.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword)
		ridx := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		live, nearby = ridx, ridx
	} else {
		transport = push.NewBus()
		midx := geo.NewMemoryIndex()
		live, nearby = midx, midx
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.RouteCacheTTL), Logger: logger}
	if cfg.OSRMEndpoint != "" {
		est.Router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var notifier *offers.WebhookNotifier
	if cfg.WebhookEndpoint != "" {
		notifier = offers.NewWebhookNotifier(cfg.WebhookEndpoint, cfg.WebhookKey)
	}

	s := &Server{
		Store:     store,
		Transport: transport,
		Live:      live,
		Kafka:     kp,
		Offers: &offers.Service{
			Geo:       nearby,
			Pub:       transport,
			Store:     store,
			Estimator: est,
			Notifier:  notifier,
			Logger:    logger,
			TopN:      cfg.OfferTopN,
			BaseFare:  cfg.BaseFare,
			PerKm:     cfg.PerKmFare,
		},
		cfg:      cfg,
		logger:   logger,
		mux:      mux.NewRouter(),
		sessions: newSessionRegistry(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/refuse", s.handleRefuse).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/progress", s.handleProgress).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/rides/{ride_id}/track", s.handleTrackWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) dispatchConfig() dispatch.Config {
	return dispatch.Config{
		PollInterval:   s.cfg.PollInterval,
		RequestTimeout: s.cfg.RequestTimeout,
		SeenCap:        s.cfg.SeenCap,
		BufferCap:      s.cfg.BufferCap,
	}
}

// newSession builds a fully wired coordinator for one driver or rider
// session.
func (s *Server) newSession(id string) *dispatch.Coordinator {
	c := dispatch.NewCoordinator(id, s.Store, s.Transport, s.dispatchConfig(), s.logger)
	c.Live = s.Live
	c.Pub = s.Transport
	if s.Kafka != nil {
		c.Producer = s.Kafka
	}
	return c
}

// sessionRegistry tracks the coordinator behind each connected driver
// websocket, so REST calls act on the same session state (suppression
// lists, active rides) the stream uses.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*dispatch.Coordinator
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*dispatch.Coordinator)}
}

func (r *sessionRegistry) get(driverID string) (*dispatch.Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[driverID]
	return c, ok
}

func (r *sessionRegistry) put(driverID string, c *dispatch.Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = c
}

func (r *sessionRegistry) remove(driverID string, c *dispatch.Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == c {
		delete(r.sessions, driverID)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
