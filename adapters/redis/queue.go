package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/andrewwormald/jobflow"
)

const (
	queueKeyPrefix      = "jobflow:queue:"
	defaultPollInterval = 250 * time.Millisecond
)

// Queue keeps each workflow's jobs in a list. Producers push on the left and workers atomically move jobs from
// the right onto a processing list where they stay until acked. Delayed jobs wait in a sorted set scored by the
// time they become due.
type Queue struct {
	client       redis.UniversalClient
	pollInterval time.Duration
}

type QueueOption func(q *Queue)

// WithPollInterval sets how long Pop blocks on Redis before checking for due delayed jobs and cancellation.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.pollInterval = d
	}
}

func NewQueue(client redis.UniversalClient, opts ...QueueOption) *Queue {
	q := &Queue{
		client:       client,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

var (
	_ jobflow.Queue     = (*Queue)(nil)
	_ jobflow.Recoverer = (*Queue)(nil)
)

var (
	// promoteScript moves due delayed jobs onto the ready list.
	promoteScript = redis.NewScript(`
		local delayed_key = KEYS[1]
		local ready_key = KEYS[2]
		local now = ARGV[1]

		local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
		for i = 1, #due do
			redis.call('LPUSH', ready_key, due[i])
			redis.call('ZREM', delayed_key, due[i])
		end

		return #due
	`)

	// recoverScript returns every unacked job to the consuming end of the ready list, oldest first in line.
	recoverScript = redis.NewScript(`
		local processing_key = KEYS[1]
		local ready_key = KEYS[2]

		local items = redis.call('LRANGE', processing_key, 0, -1)
		for i = 1, #items do
			redis.call('RPUSH', ready_key, items[i])
		end
		redis.call('DEL', processing_key)

		return #items
	`)
)

func readyKey(name string) string {
	return queueKeyPrefix + name
}

func processingKey(name string) string {
	return queueKeyPrefix + name + ":processing"
}

func deadKey(name string) string {
	return queueKeyPrefix + name + ":dead"
}

func delayedKey(name string) string {
	return queueKeyPrefix + name + ":delayed"
}

func (q *Queue) Push(ctx context.Context, name string, job *jobflow.Job) error {
	b, err := jobflow.MarshalJob(job)
	if err != nil {
		return err
	}

	err = q.client.LPush(ctx, readyKey(name), b).Err()
	if err != nil {
		return jobflow.Transient(err)
	}

	return nil
}

func (q *Queue) PushDelayed(ctx context.Context, name string, job *jobflow.Job, at time.Time) error {
	b, err := jobflow.MarshalJob(job)
	if err != nil {
		return err
	}

	err = q.client.ZAdd(ctx, delayedKey(name), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: b,
	}).Err()
	if err != nil {
		return jobflow.Transient(err)
	}

	return nil
}

func (q *Queue) Pop(ctx context.Context, name string) (*jobflow.Job, jobflow.Ack, error) {
	for ctx.Err() == nil {
		err := promoteScript.Run(ctx, q.client,
			[]string{delayedKey(name), readyKey(name)},
			strconv.FormatInt(time.Now().UnixMilli(), 10),
		).Err()
		if err != nil && ctx.Err() == nil {
			return nil, nil, jobflow.Transient(err)
		}

		data, err := q.client.BLMove(ctx, readyKey(name), processingKey(name), "RIGHT", "LEFT", q.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				break
			}

			return nil, nil, jobflow.Transient(err)
		}

		job, err := jobflow.UnmarshalJob([]byte(data))
		if err != nil {
			// Recovering a job that cannot be decoded would hand it back forever, so it is parked on the dead
			// letter list instead.
			err = q.deadLetter(ctx, name, data)
			if err != nil {
				return nil, nil, err
			}

			continue
		}

		ack := func() error {
			// A fresh context lets the ack succeed after the popping context was cancelled.
			ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := q.client.LRem(ackCtx, processingKey(name), 1, data).Err()
			if err != nil {
				return jobflow.Transient(err)
			}

			return nil
		}

		return job, ack, nil
	}

	return nil, nil, ctx.Err()
}

func (q *Queue) deadLetter(ctx context.Context, name, data string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey(name), 1, data)
		pipe.LPush(ctx, deadKey(name), data)
		return nil
	})
	if err != nil {
		return jobflow.Transient(errors.Wrap(err, "dead letter job", j.MKV{"queue": name}))
	}

	return nil
}

// DeadLetters returns the entries of the queue that were popped but could not be decoded, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, name string) ([][]byte, error) {
	items, err := q.client.LRange(ctx, deadKey(name), 0, -1).Result()
	if err != nil {
		return nil, jobflow.Transient(err)
	}

	resp := make([][]byte, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		resp = append(resp, []byte(items[i]))
	}

	return resp, nil
}

func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	var (
		ready   *redis.IntCmd
		delayed *redis.IntCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, readyKey(name))
		delayed = pipe.ZCard(ctx, delayedKey(name))
		return nil
	})
	if err != nil {
		return 0, jobflow.Transient(err)
	}

	return ready.Val() + delayed.Val(), nil
}

// Recover returns jobs that a previous worker popped but never acked to the front of the queue.
func (q *Queue) Recover(ctx context.Context, name string) error {
	err := recoverScript.Run(ctx, q.client, []string{processingKey(name), readyKey(name)}).Err()
	if err != nil {
		return jobflow.Transient(err)
	}

	return nil
}
