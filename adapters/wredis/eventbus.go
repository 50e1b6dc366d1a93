// Package wredis provides an event bus backed by Redis Streams. Each source is a stream and every entry carries
// the event name and its JSON payload.
package wredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/andrewwormald/jobflow"
)

const (
	streamKeyPrefix = "jobflow:events:"

	defaultBlock      = 250 * time.Millisecond
	defaultErrBackOff = time.Second
	readCount         = 100
)

type Bus struct {
	client     redis.UniversalClient
	sources    map[string]bool
	block      time.Duration
	errBackOff time.Duration
	logger     jobflow.Logger
}

type Option func(b *Bus)

// WithBlock sets how long a read waits on the stream for new entries.
func WithBlock(d time.Duration) Option {
	return func(b *Bus) {
		b.block = d
	}
}

// WithErrBackOff sets the wait before a failed handler is retried with the same event.
func WithErrBackOff(d time.Duration) Option {
	return func(b *Bus) {
		b.errBackOff = d
	}
}

// WithLogger reports read and handler errors which are otherwise retried silently.
func WithLogger(l jobflow.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

func NewBus(client redis.UniversalClient, sources []string, opts ...Option) *Bus {
	b := &Bus{
		client:     client,
		sources:    make(map[string]bool),
		block:      defaultBlock,
		errBackOff: defaultErrBackOff,
	}
	for _, s := range sources {
		b.sources[s] = true
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

var _ jobflow.EventBus = (*Bus)(nil)

func (b *Bus) HasSource(source string) bool {
	return b.sources[source]
}

// Publish appends the event to the source's stream.
func (b *Bus) Publish(ctx context.Context, source, event string, payload any) error {
	if !b.HasSource(source) {
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": source})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyPrefix + source,
		Values: map[string]interface{}{
			"event":   event,
			"payload": string(data),
		},
	}).Err()
	if err != nil {
		return jobflow.Transient(err)
	}

	return nil
}

// Subscribe delivers events appended after the call returns.
func (b *Bus) Subscribe(ctx context.Context, source, event string, h jobflow.EventHandler) error {
	if !b.HasSource(source) {
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": source})
	}

	stream := streamKeyPrefix + source

	latest, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return jobflow.Transient(err)
	}

	cursor := "0-0"
	if len(latest) > 0 {
		cursor = latest[0].ID
	}

	go b.consume(ctx, source, stream, cursor, event, h)
	return nil
}

func (b *Bus) consume(ctx context.Context, source, stream, cursor, event string, h jobflow.EventHandler) {
	for ctx.Err() == nil {
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, cursor},
			Count:   readCount,
			Block:   b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return
			}

			b.logError(ctx, errors.Wrap(err, "read stream", j.MKV{"stream": stream}))
			b.wait(ctx)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				ok := b.deliver(ctx, source, event, msg, h)
				if !ok {
					return
				}

				cursor = msg.ID
			}
		}
	}
}

// deliver calls h until it succeeds. It returns false if ctx was cancelled first.
func (b *Bus) deliver(ctx context.Context, source, event string, msg redis.XMessage, h jobflow.EventHandler) bool {
	e, err := parseEvent(source, msg)
	if err != nil {
		b.logError(ctx, errors.Wrap(err, "skipping malformed stream entry", j.MKV{"id": msg.ID}))
		return true
	}

	if e.Name != event {
		return true
	}

	for ctx.Err() == nil {
		err := h(ctx, e)
		if err == nil {
			return true
		}

		b.logError(ctx, errors.Wrap(err, "event handler", j.MKV{"id": msg.ID, "event": event}))
		b.wait(ctx)
	}

	return false
}

func (b *Bus) wait(ctx context.Context) {
	t := time.NewTimer(b.errBackOff)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (b *Bus) logError(ctx context.Context, err error) {
	if b.logger == nil {
		return
	}

	b.logger.Error(ctx, err)
}

func parseEvent(source string, msg redis.XMessage) (*jobflow.Event, error) {
	name, ok := msg.Values["event"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid event name")
	}

	data, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid event payload")
	}

	var payload any
	err := json.Unmarshal([]byte(data), &payload)
	if err != nil {
		return nil, err
	}

	createdAt, err := streamIDTime(msg.ID)
	if err != nil {
		return nil, err
	}

	return &jobflow.Event{
		ID:        msg.ID,
		Source:    source,
		Name:      name,
		Payload:   payload,
		CreatedAt: createdAt,
	}, nil
}

// streamIDTime returns the time component of a Redis Stream ID of the form "milliseconds-sequence".
func streamIDTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid stream ID format: %s", id)
	}

	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp in stream ID %s: %w", id, err)
	}

	return time.UnixMilli(n), nil
}
