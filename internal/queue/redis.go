package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisperq/whisperq/internal/config"
)

// Redis is the broker-backed implementation on Redis Streams with a
// consumer group. The stream entry ID doubles as the ack token. Entries
// left pending longer than the visibility timeout (a consumer died holding
// them) are reclaimed with XAUTOCLAIM on the dequeue path.
type Redis struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
	log        *logrus.Logger
}

func NewRedis(cfg *config.Redis, visibility time.Duration, log *logrus.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.Group, err)
	}

	return &Redis{
		client:     client,
		stream:     cfg.Stream,
		group:      cfg.Group,
		consumer:   "whisperq-" + gonanoid.Must(tokenSize),
		visibility: visibility,
		log:        log,
	}, nil
}

func (q *Redis) Enqueue(ctx context.Context, jobID string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job_id": jobID},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue alternates between reclaiming expired pending entries and a
// blocking group read. The read blocks in bounded slices so reclaim checks
// keep running while the stream is idle.
func (q *Redis) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		if d, ok, err := q.reclaim(ctx); err != nil {
			return Delivery{}, err
		} else if ok {
			return d, nil
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.blockSlice(),
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // block timeout, retry reclaim
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if id, ok := msg.Values["job_id"].(string); ok {
					return Delivery{JobID: id, Token: msg.ID}, nil
				}
				// Malformed entry: clear it so it cannot wedge the group.
				q.drop(ctx, msg.ID)
			}
		}
	}
}

// reclaim takes over at most one pending entry whose consumer has been
// silent past the visibility timeout.
func (q *Redis) reclaim(ctx context.Context) (Delivery, bool, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, false, ctx.Err()
		}
		return Delivery{}, false, fmt.Errorf("xautoclaim: %w", err)
	}

	for _, msg := range msgs {
		id, ok := msg.Values["job_id"].(string)
		if !ok {
			q.drop(ctx, msg.ID)
			continue
		}
		q.log.WithField("job_id", id).Warn("queue: reclaimed delivery past visibility timeout")
		return Delivery{JobID: id, Token: msg.ID}, true, nil
	}
	return Delivery{}, false, nil
}

func (q *Redis) Ack(ctx context.Context, d Delivery) error {
	if err := q.drop(ctx, d.Token); err != nil {
		return fmt.Errorf("ack job %s: %w", d.JobID, err)
	}
	return nil
}

// Nack with requeue re-adds the job as a fresh stream entry; the original
// entry is acked either way.
func (q *Redis) Nack(ctx context.Context, d Delivery, requeue bool) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, d.Token)
	pipe.XDel(ctx, q.stream, d.Token)
	if requeue {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{"job_id": d.JobID},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job %s: %w", d.JobID, err)
	}
	return nil
}

// drop acknowledges and deletes a stream entry in one round trip.
func (q *Redis) drop(ctx context.Context, entryID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, entryID)
	pipe.XDel(ctx, q.stream, entryID)
	_, err := pipe.Exec(ctx)
	return err
}

// blockSlice bounds a single XREADGROUP block so reclaim scans run at least
// twice per visibility window.
func (q *Redis) blockSlice() time.Duration {
	slice := q.visibility / 2
	if slice > 5*time.Second {
		slice = 5 * time.Second
	}
	if slice < 100*time.Millisecond {
		slice = 100 * time.Millisecond
	}
	return slice
}

func (q *Redis) Durable() bool { return true }

func (q *Redis) Close() error {
	return q.client.Close()
}
