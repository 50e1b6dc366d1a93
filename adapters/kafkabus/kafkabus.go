// Package kafkabus provides an event bus over Kafka topics. Each source is a topic, the event name travels in the
// message header and the value holds the JSON payload.
package kafkabus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/segmentio/kafka-go"

	"github.com/andrewwormald/jobflow"
)

const (
	headerEvent = "event"

	defaultGroupPrefix = "jobflow"
	defaultErrBackOff  = time.Second
)

type Bus struct {
	brokers     []string
	writers     map[string]*kafka.Writer
	groupPrefix string
	errBackOff  time.Duration
	logger      jobflow.Logger
}

type Option func(b *Bus)

// WithGroupPrefix sets the prefix of the consumer group used for every subscription.
func WithGroupPrefix(prefix string) Option {
	return func(b *Bus) {
		b.groupPrefix = prefix
	}
}

func WithErrBackOff(d time.Duration) Option {
	return func(b *Bus) {
		b.errBackOff = d
	}
}

func WithLogger(l jobflow.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// NewBus returns a bus with a source for each of the provided topics.
func NewBus(brokers []string, topics []string, opts ...Option) *Bus {
	b := &Bus{
		brokers:     brokers,
		writers:     make(map[string]*kafka.Writer),
		groupPrefix: defaultGroupPrefix,
		errBackOff:  defaultErrBackOff,
	}
	for _, topic := range topics {
		b.writers[topic] = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

var _ jobflow.EventBus = (*Bus)(nil)

func (b *Bus) HasSource(source string) bool {
	_, ok := b.writers[source]
	return ok
}

// Publish writes the event to the source's topic keyed by event name so events of the same name keep their order.
func (b *Bus) Publish(ctx context.Context, source, event string, payload any) error {
	w, ok := b.writers[source]
	if !ok {
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": source})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event),
		Value: data,
		Headers: []kafka.Header{
			{Key: headerEvent, Value: []byte(event)},
		},
	})
	if err != nil {
		return jobflow.Transient(err)
	}

	return nil
}

// Subscribe joins a consumer group named after the source and event. Offsets are committed once the handler
// succeeds and a new group starts from the earliest retained message.
func (b *Bus) Subscribe(ctx context.Context, source, event string, h jobflow.EventHandler) error {
	if !b.HasSource(source) {
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": source})
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     fmt.Sprintf("%s-%s-%s", b.groupPrefix, source, event),
		Topic:       source,
		StartOffset: kafka.FirstOffset,
		MaxWait:     250 * time.Millisecond,
	})

	go b.consume(ctx, r, source, event, h)
	return nil
}

func (b *Bus) consume(ctx context.Context, r *kafka.Reader, source, event string, h jobflow.EventHandler) {
	defer r.Close()

	for ctx.Err() == nil {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			b.logError(ctx, errors.Wrap(err, "fetch message", j.MKV{"topic": source}))
			b.wait(ctx)
			continue
		}

		if !b.deliver(ctx, source, event, m, h) {
			return
		}

		for ctx.Err() == nil {
			err := r.CommitMessages(ctx, m)
			if err == nil {
				break
			}

			b.logError(ctx, errors.Wrap(err, "commit message", j.MKV{"topic": source}))
			b.wait(ctx)
		}
	}
}

// deliver calls h until it succeeds. It returns false if ctx was cancelled first.
func (b *Bus) deliver(ctx context.Context, source, event string, m kafka.Message, h jobflow.EventHandler) bool {
	e, err := toEvent(source, m)
	if err != nil {
		b.logError(ctx, errors.Wrap(err, "skipping malformed message", j.MKV{
			"partition": m.Partition,
			"offset":    m.Offset,
		}))
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

		b.logError(ctx, errors.Wrap(err, "event handler", j.MKV{"id": e.ID, "event": event}))
		b.wait(ctx)
	}

	return false
}

// Close flushes and closes the topic writers.
func (b *Bus) Close() error {
	var firstErr error
	for _, w := range b.writers {
		err := w.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
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

func toEvent(source string, m kafka.Message) (*jobflow.Event, error) {
	var name string
	for _, h := range m.Headers {
		if h.Key == headerEvent {
			name = string(h.Value)
			break
		}
	}

	if name == "" {
		return nil, errors.New("missing event header")
	}

	var payload any
	if len(m.Value) > 0 {
		err := json.Unmarshal(m.Value, &payload)
		if err != nil {
			return nil, err
		}
	}

	return &jobflow.Event{
		ID:        fmt.Sprintf("%d-%d", m.Partition, m.Offset),
		Source:    source,
		Name:      name,
		Payload:   payload,
		CreatedAt: m.Time,
	}, nil
}
