// Package memeventbus is an in-memory EventBus backed by an append-only log per source.
package memeventbus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/andrewwormald/jobflow"
)

var _ jobflow.EventBus = (*Bus)(nil)

const defaultErrBackOff = 10 * time.Millisecond

type Bus struct {
	clock      clock.Clock
	errBackOff time.Duration

	mu      sync.Mutex
	sources map[string]*source
}

type source struct {
	log []*jobflow.Event
	// notify is closed and replaced whenever an event is appended.
	notify chan struct{}
}

type Option func(b *Bus)

func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		b.clock = c
	}
}

// WithErrBackOff sets how long a subscription waits before redelivering an event whose handler failed.
func WithErrBackOff(d time.Duration) Option {
	return func(b *Bus) {
		b.errBackOff = d
	}
}

// New returns a bus that knows about the provided sources.
func New(sources []string, opts ...Option) *Bus {
	b := &Bus{
		clock:      clock.RealClock{},
		errBackOff: defaultErrBackOff,
		sources:    make(map[string]*source),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, s := range sources {
		b.sources[s] = &source{notify: make(chan struct{})}
	}

	return b
}

func (b *Bus) HasSource(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.sources[name]
	return ok
}

// Publish appends an event to the source's log.
func (b *Bus) Publish(ctx context.Context, sourceName, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sources[sourceName]
	if !ok {
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": sourceName})
	}

	s.log = append(s.log, &jobflow.Event{
		ID:        strconv.Itoa(len(s.log) + 1),
		Source:    sourceName,
		Name:      event,
		Payload:   payload,
		CreatedAt: b.clock.Now(),
	})

	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// Subscribe delivers events published after the call to h until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, sourceName, event string, h jobflow.EventHandler) error {
	b.mu.Lock()
	s, ok := b.sources[sourceName]
	if !ok {
		b.mu.Unlock()
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": sourceName})
	}
	cursor := len(s.log)
	b.mu.Unlock()

	go func() {
		for {
			b.mu.Lock()
			if cursor >= len(s.log) {
				notify := s.notify
				b.mu.Unlock()

				select {
				case <-ctx.Done():
					return
				case <-notify:
					continue
				}
			}
			e := s.log[cursor]
			b.mu.Unlock()

			if e.Name != event {
				cursor++
				continue
			}

			err := h(ctx, e)
			if err != nil {
				t := b.clock.NewTimer(b.errBackOff)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C():
					continue
				}
			}

			cursor++
		}
	}()

	return nil
}
