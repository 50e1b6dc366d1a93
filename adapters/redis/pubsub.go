package redis

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/andrewwormald/jobflow"
)

var ErrSubscriptionClosed = errors.New("subscription closed", j.C("ERR_d2a86e1f4c9b0573"))

const defaultChannelSize = 1000

// PubSub carries response bridge frames over Redis channels.
type PubSub struct {
	client redis.UniversalClient
}

func NewPubSub(client redis.UniversalClient) *PubSub {
	return &PubSub{client: client}
}

var _ jobflow.PubSub = (*PubSub)(nil)

func (p *PubSub) Publish(ctx context.Context, channel string, msg []byte) (int64, error) {
	n, err := p.client.Publish(ctx, channel, msg).Result()
	if err != nil {
		return 0, jobflow.Transient(err)
	}

	return n, nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (p *PubSub) Subscribe(ctx context.Context, channel string) (jobflow.Subscription, error) {
	ps := p.client.Subscribe(ctx, channel)

	_, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, jobflow.Transient(err)
	}

	return &subscription{
		ps:   ps,
		msgs: ps.Channel(redis.WithChannelSize(defaultChannelSize)),
	}, nil
}

// PSubscribe returns once Redis has confirmed the pattern subscription.
func (p *PubSub) PSubscribe(ctx context.Context, pattern string) (jobflow.PatternSubscription, error) {
	ps := p.client.PSubscribe(ctx, pattern)

	_, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, jobflow.Transient(err)
	}

	return &patternSubscription{
		ps:   ps,
		msgs: ps.Channel(redis.WithChannelSize(defaultChannelSize)),
	}, nil
}

type subscription struct {
	ps   *redis.PubSub
	msgs <-chan *redis.Message
}

func (s *subscription) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			return nil, ErrSubscriptionClosed
		}

		return []byte(msg.Payload), nil
	}
}

func (s *subscription) Close() error {
	return s.ps.Close()
}

type patternSubscription struct {
	ps   *redis.PubSub
	msgs <-chan *redis.Message
}

func (s *patternSubscription) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			return "", nil, ErrSubscriptionClosed
		}

		return msg.Channel, []byte(msg.Payload), nil
	}
}

func (s *patternSubscription) Close() error {
	return s.ps.Close()
}
