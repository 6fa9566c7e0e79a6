package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/errand-dispatch/internal/models"
)

// RedisRegistry implements Registry with a GEO set for positions and a hash
// per runner for metadata.
type RedisRegistry struct {
	client *redis.Client
	geoKey string
}

func NewRedisRegistry(client *redis.Client, geoKey string) *RedisRegistry {
	return &RedisRegistry{client: client, geoKey: geoKey}
}

func metaKey(id string) string { return "runner:meta:" + id }

func (r *RedisRegistry) Upsert(ctx context.Context, rn models.Runner) error {
	if err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: rn.Loc.Lon, Latitude: rn.Loc.Lat, Name: rn.ID,
	}).Err(); err != nil {
		return err
	}
	last := rn.LastSeen
	if last.IsZero() {
		last = time.Now()
	}
	return r.client.HSet(ctx, metaKey(rn.ID), map[string]interface{}{
		"rating":      strconv.FormatFloat(rn.Rating, 'f', -1, 64),
		"online":      strconv.FormatBool(rn.Online),
		"current_job": rn.CurrentJobID,
		"last_seen":   last.UTC().Format(time.RFC3339Nano),
		"loc_updated": rn.LocUpdated.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisRegistry) UpsertLocation(ctx context.Context, runnerID string, loc models.GeoPoint, at time.Time) error {
	if err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: loc.Lon, Latitude: loc.Lat, Name: runnerID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(runnerID), map[string]interface{}{
		"last_seen":   at.UTC().Format(time.RFC3339Nano),
		"loc_updated": at.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisRegistry) SetAvailability(ctx context.Context, runnerID string, online bool) error {
	return r.client.HSet(ctx, metaKey(runnerID), map[string]interface{}{
		"online":    strconv.FormatBool(online),
		"last_seen": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisRegistry) SetCurrentJob(ctx context.Context, runnerID, jobID string) error {
	return r.client.HSet(ctx, metaKey(runnerID), "current_job", jobID).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, runnerID string) (models.Runner, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(runnerID)).Result()
	if err != nil {
		return models.Runner{}, false, err
	}
	if len(m) == 0 {
		return models.Runner{}, false, nil
	}
	rn := models.Runner{ID: runnerID}
	applyMeta(&rn, m)
	if pos, err := r.client.GeoPos(ctx, r.geoKey, runnerID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		rn.Loc = models.GeoPoint{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return rn, true, nil
}

func (r *RedisRegistry) Near(ctx context.Context, origin models.GeoPoint, radiusKm float64, limit int) ([]models.Runner, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Runner, 0, len(res))
	for _, g := range res {
		rn := models.Runner{ID: g.Name, Loc: models.GeoPoint{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			applyMeta(&rn, m)
		}
		out = append(out, rn)
	}
	return out, nil
}

func applyMeta(rn *models.Runner, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rn.Rating = f
		}
	}
	if v, ok := m["online"]; ok {
		rn.Online = v == "true"
	}
	rn.CurrentJobID = m["current_job"]
	if v, ok := m["last_seen"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rn.LastSeen = t
		}
	}
	if v, ok := m["loc_updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rn.LocUpdated = t
		}
	}
}
