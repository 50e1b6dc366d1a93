// Package mempubsub is an in-memory PubSub for tests and single process deployments.
package mempubsub

import (
	"context"
	"errors"
	"path"
	"sync"

	"github.com/andrewwormald/jobflow"
)

var _ jobflow.PubSub = (*PubSub)(nil)

var ErrClosed = errors.New("subscription closed")

type PubSub struct {
	mu       sync.Mutex
	subs     map[string]map[*subscription]bool
	patterns map[*subscription]bool
}

func New() *PubSub {
	return &PubSub{
		subs:     make(map[string]map[*subscription]bool),
		patterns: make(map[*subscription]bool),
	}
}

func (p *PubSub) Publish(ctx context.Context, channel string, msg []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[channel]
	for s := range subs {
		s.deliver(channel, append([]byte(nil), msg...))
	}

	n := int64(len(subs))
	for s := range p.patterns {
		if ok, _ := path.Match(s.target, channel); !ok {
			continue
		}

		s.deliver(channel, append([]byte(nil), msg...))
		n++
	}

	return n, nil
}

func (p *PubSub) Subscribe(ctx context.Context, channel string) (jobflow.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := newSubscription(p, channel, false)
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[*subscription]bool)
	}
	p.subs[channel][s] = true

	return &channelSubscription{s: s}, nil
}

// PSubscribe matches channels with path.Match, so * does not match across slashes.
func (p *PubSub) PSubscribe(ctx context.Context, pattern string) (jobflow.PatternSubscription, error) {
	_, err := path.Match(pattern, "")
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := newSubscription(p, pattern, true)
	p.patterns[s] = true

	return s, nil
}

func (p *PubSub) remove(s *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.pattern {
		delete(p.patterns, s)
		return
	}

	delete(p.subs[s.target], s)
	if len(p.subs[s.target]) == 0 {
		delete(p.subs, s.target)
	}
}

type message struct {
	channel string
	payload []byte
}

// subscription buffers delivered messages so that publishers never block on slow receivers.
type subscription struct {
	ps *PubSub
	// target is the channel or, for pattern subscriptions, the pattern.
	target  string
	pattern bool

	mu     sync.Mutex
	msgs   []message
	notify chan struct{}

	once   sync.Once
	closed chan struct{}
}

func newSubscription(p *PubSub, target string, pattern bool) *subscription {
	return &subscription{
		ps:      p,
		target:  target,
		pattern: pattern,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (s *subscription) deliver(channel string, msg []byte) {
	s.mu.Lock()
	s.msgs = append(s.msgs, message{channel: channel, payload: msg})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) Recv(ctx context.Context) (string, []byte, error) {
	for {
		s.mu.Lock()
		if len(s.msgs) > 0 {
			msg := s.msgs[0]
			s.msgs = s.msgs[1:]
			s.mu.Unlock()
			return msg.channel, msg.payload, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-s.closed:
			return "", nil, ErrClosed
		case <-s.notify:
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.ps.remove(s)
		close(s.closed)
	})

	return nil
}

type channelSubscription struct {
	s *subscription
}

func (c *channelSubscription) Recv(ctx context.Context) ([]byte, error) {
	_, msg, err := c.s.Recv(ctx)
	return msg, err
}

func (c *channelSubscription) Close() error {
	return c.s.Close()
}
