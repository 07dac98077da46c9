package geo

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-session/internal/models"
)

// RedisGeo implements Source using Redis GEO commands. Each driver also has
// a driver:meta:<uid> hash whose "updated" field dates its last report; with
// MaxAge set, Nearby prunes drivers whose report is older than that.
type RedisGeo struct {
	MaxAge time.Duration

	client redis.Cmdable
	key    string
	now    func() time.Time
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.DriverPosition) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.UID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.UID), map[string]interface{}{"updated": r.now().Format(time.RFC3339Nano)}).Err()
}

// Remove deletes a driver's position and metadata.
func (r *RedisGeo) Remove(ctx context.Context, uid string) error {
	if err := r.client.ZRem(ctx, r.key, uid).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(uid)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.DriverPosition, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	silent, err := r.silent(ctx, res)
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverPosition, 0, len(res))
	for _, g := range res {
		if silent[g.Name] {
			if err := r.Remove(ctx, g.Name); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, models.DriverPosition{UID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}})
	}
	return out, nil
}

// silent reads the last report time of every result in one round trip.
// Drivers without metadata are kept since their age is unknown.
func (r *RedisGeo) silent(ctx context.Context, res []redis.GeoLocation) (map[string]bool, error) {
	if r.MaxAge <= 0 || len(res) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGet(ctx, metaKey(g.Name), "updated")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	cutoff := r.now().Add(-r.MaxAge)
	out := make(map[string]bool)
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			out[res[i].Name] = true
		}
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func metaKey(id string) string { return "driver:meta:" + id }
