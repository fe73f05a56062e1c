// The consumer drains the driver-locations topic: every sample updates the
// Redis live-position index and is republished to the location topic of
// each ride the driver is actively serving.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/push"
	ridestatus "github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	samplesFanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_fanned_out_total",
		Help: "Location samples republished to per-ride topics",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, samplesFanned)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-dispatch-consumer"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	radapter := &redisAdapter{c: rc, geoKey: geoKeyFromEnv()}
	publisher := push.NewRedisTransportFromClient(rc)

	// when a ride store is configured, samples are also fanned out to the
	// per-ride tracking topics of the driver's active rides
	var fanout *rideFanout
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		if store, err := storage.NewPostgresStore(dsn); err == nil {
			fanout = newRideFanout(store, publisher, 10*time.Second)
		} else {
			log.Printf("postgres unavailable, per-ride fan-out disabled: %v", err)
		}
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var sample models.LocationSample
		if err := json.Unmarshal(m.Value, &sample); err != nil || sample.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		// Try updating Redis with retries and small backoff
		if err := updateRedisWithRetry(ctx, radapter, sample, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for driver=%s: %v", sample.DriverID, err)
			continue
		}
		redisUpdates.Inc()

		if fanout != nil {
			fanout.publish(ctx, sample, m.Value)
		}
	}
}

func geoKeyFromEnv() string {
	if k := os.Getenv("REDIS_GEO_KEY"); k != "" {
		return k
	}
	return "drivers_geo"
}

// RedisUpdater defines the small subset of redis operations we need for
// tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct {
	c      *redis.Client
	geoKey string
}

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry writes the sample into the geo set and the
// driver:pos hash, retrying each step with backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, s models.LocationSample, attempts int, delay time.Duration) error {
	geoKey := "drivers_geo"
	if a, ok := rc.(*redisAdapter); ok {
		geoKey = a.geoKey
	}
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: s.Lon, Latitude: s.Lat, Name: s.DriverID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.HSet(ctx, "driver:pos:"+s.DriverID, posFields(s)); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func posFields(s models.LocationSample) map[string]interface{} {
	fields := map[string]interface{}{
		"lat":       strconv.FormatFloat(s.Lat, 'f', -1, 64),
		"lng":       strconv.FormatFloat(s.Lon, 'f', -1, 64),
		"timestamp": s.CapturedAt.Format(time.RFC3339Nano),
	}
	if s.Heading != nil {
		fields["heading"] = strconv.FormatFloat(*s.Heading, 'f', -1, 64)
	}
	if s.Speed != nil {
		fields["speed"] = strconv.FormatFloat(*s.Speed, 'f', -1, 64)
	}
	return fields
}

// rideFanout republishes samples to the tracking topic of each active ride
// of the driver. Active-ride lookups are cached briefly; location samples
// arrive far more often than assignments change.
type rideFanout struct {
	store storage.RideStore
	pub   push.Publisher
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]fanoutEntry
}

type fanoutEntry struct {
	rideIDs []string
	ts      time.Time
}

func newRideFanout(store storage.RideStore, pub push.Publisher, ttl time.Duration) *rideFanout {
	return &rideFanout{store: store, pub: pub, ttl: ttl, cache: make(map[string]fanoutEntry)}
}

func (f *rideFanout) publish(ctx context.Context, s models.LocationSample, payload []byte) {
	for _, rideID := range f.activeRides(ctx, s.DriverID) {
		if err := f.pub.Publish(ctx, dispatch.TrackingTopic(rideID), payload); err != nil {
			log.Printf("fan-out publish failed ride=%s: %v", rideID, err)
			continue
		}
		samplesFanned.Inc()
	}
}

func (f *rideFanout) activeRides(ctx context.Context, driverID string) []string {
	f.mu.Lock()
	if e, ok := f.cache[driverID]; ok && time.Since(e.ts) < f.ttl {
		f.mu.Unlock()
		return e.rideIDs
	}
	f.mu.Unlock()

	rides, err := f.store.Find(ctx, storage.Filter{
		DriverID: driverID,
		Statuses: []ridestatus.Status{
			ridestatus.StatusAccepted, ridestatus.StatusArriving,
			ridestatus.StatusPickedUp, ridestatus.StatusInProgress,
		},
	})
	if err != nil {
		log.Printf("active ride lookup failed driver=%s: %v", driverID, err)
		return nil
	}
	ids := make([]string, 0, len(rides))
	for _, r := range rides {
		ids = append(ids, r.ID)
	}
	f.mu.Lock()
	f.cache[driverID] = fanoutEntry{rideIDs: ids, ts: time.Now()}
	f.mu.Unlock()
	return ids
}
