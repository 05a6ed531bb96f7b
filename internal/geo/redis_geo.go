package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/example/ride-realtime/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands. The gateway and the
// telemetry consumer share the same key so positions ingested off the bus
// are visible to proximity queries.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p models.UserPosition) {
	// store as GEOADD and HSET for metadata
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.UserID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(p.UserID), map[string]interface{}{
		"role":    string(p.Role),
		"online":  strconv.FormatBool(p.Online),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(userID string) {
	_ = r.client.ZRem(r.ctx, r.key, userID).Err()
	_ = r.client.Del(r.ctx, metaKey(userID)).Err()
}

func (r *RedisGeo) Nearby(lat, lon, radiusMeters float64, limit int) []models.UserPosition {
	if radiusMeters <= 0 {
		radiusMeters = 5000
	}
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.UserPosition, 0, len(res))
	for _, g := range res {
		p := models.UserPosition{UserID: g.Name}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["role"]; ok {
				p.Role = models.Role(v)
			}
			if v, ok := m["online"]; ok {
				p.Online = (v == "true")
			}
			if !p.Online {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func metaKey(id string) string { return "position:meta:" + id }
