package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans job events out over one Redis Pub/Sub channel per job, so
// every server instance tracking the job sees the same stream.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: log}
}

func channelFor(jobID string) string { return "job:" + jobID + ":events" }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelFor(ev.JobID), raw).Err()
}

func (b *RedisBus) SubscribeJob(ctx context.Context, jobID string, onEvent func(Event)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, channelFor(jobID))
	// confirm the subscription actually started before handing it out
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad bus payload", "job_id", jobID, "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return func() { _ = sub.Close() }, nil
}

func (b *RedisBus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }
func (b *RedisBus) Close() error                   { return b.rdb.Close() }
