package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands plus a per-driver
// position hash, so the tracking poller can read the last sample back.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

// NewRedisIndexFromClient reuses an existing client.
func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"online":  strconv.FormatBool(d.Online),
		"updated": d.Updated.Format(time.RFC3339),
	}).Err()
}

// SetSample records the full last sample so Latest can serve heading/speed.
func (r *RedisIndex) SetSample(s models.LocationSample) error {
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
	return r.client.HSet(r.ctx, posKey(s.DriverID), fields).Err()
}

func (r *RedisIndex) Latest(driverID string) (models.LocationSample, bool) {
	m, err := r.client.HGetAll(r.ctx, posKey(driverID)).Result()
	if err != nil || len(m) == 0 {
		return models.LocationSample{}, false
	}
	s := models.LocationSample{DriverID: driverID}
	s.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	s.Lon, _ = strconv.ParseFloat(m["lng"], 64)
	if v, ok := m["heading"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Heading = &f
		}
	}
	if v, ok := m["speed"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Speed = &f
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["timestamp"]); err == nil {
		s.CapturedAt = ts
	}
	return s, true
}

func (r *RedisIndex) Nearby(lat, lon float64, limit int) []models.Driver {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["online"]; ok {
				d.Online = (v == "true")
			}
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
func posKey(id string) string  { return "driver:pos:" + id }
