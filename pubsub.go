package jobflow

import "context"

// PubSub is the reply channel primitive used by the response bridge. Publish returns the number of subscribers
// the message was delivered to. Messages published to a channel without subscribers are dropped.
type PubSub interface {
	Publish(ctx context.Context, channel string, msg []byte) (receivers int64, err error)
	// Subscribe must only return once the subscription is active so that no message published after it returns is
	// missed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// PSubscribe subscribes to every channel matching the glob pattern. Like Subscribe it only returns once the
	// subscription is active.
	PSubscribe(ctx context.Context, pattern string) (PatternSubscription, error)
}

type Subscription interface {
	// Recv returns the next message in publish order.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type PatternSubscription interface {
	// Recv returns the next message and the channel it was published on. Messages of one channel are returned in
	// publish order.
	Recv(ctx context.Context) (channel string, msg []byte, err error)
	Close() error
}
