package jobflow

import (
	"context"
	"strings"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var errReplyRouterClosed = errors.New("reply router closed", j.C("ERR_4e8b1d7c3a90f265"))

// replyRouter holds the runtime's single subscription to its reply channels and hands every frame to the pending
// response waiting on the frame's response key. The subscription is opened by the first webhook and reopened by
// the next one if it breaks.
type replyRouter struct {
	engine *Engine
	prefix string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sub     PatternSubscription
	waiters map[string]*replyWaiter
}

func newReplyRouter(e *Engine) *replyRouter {
	ctx, cancel := context.WithCancel(context.Background())
	return &replyRouter{
		engine:  e,
		prefix:  replyChannel(e.runtimeID, ""),
		ctx:     ctx,
		cancel:  cancel,
		waiters: make(map[string]*replyWaiter),
	}
}

// Wait returns a subscription to the reply channel of the response key. Frames published after Wait returns are
// never missed.
func (r *replyRouter) Wait(ctx context.Context, key string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return nil, errReplyRouterClosed
	}

	if r.sub == nil {
		var sub PatternSubscription
		err := r.engine.retryTransient(ctx, "pubsub", func(ctx context.Context) error {
			s, err := r.engine.pubsub.PSubscribe(ctx, r.prefix+"*")
			if err != nil {
				return err
			}

			sub = s
			return nil
		})
		if err != nil {
			return nil, err
		}

		r.sub = sub
		go r.route(sub)
	}

	w := &replyWaiter{
		router: r,
		key:    key,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	r.waiters[key] = w

	return w, nil
}

func (r *replyRouter) route(sub PatternSubscription) {
	for {
		channel, msg, err := sub.Recv(r.ctx)
		if err != nil {
			r.broken(sub, err)
			return
		}

		key := strings.TrimPrefix(channel, r.prefix)

		r.mu.Lock()
		w := r.waiters[key]
		r.mu.Unlock()

		if w == nil {
			// The caller has already been answered or has timed out.
			r.engine.logger.Debug(r.ctx, "dropped reply without pending response", MKV{"channel": channel})
			continue
		}

		w.deliver(msg)
	}
}

// broken fails every pending response of the subscription so that their callers are answered instead of waiting
// for frames that will never arrive.
func (r *replyRouter) broken(sub PatternSubscription, cause error) {
	r.mu.Lock()
	if r.sub == sub {
		r.sub = nil
	}
	waiters := r.waiters
	r.waiters = make(map[string]*replyWaiter)
	r.mu.Unlock()

	_ = sub.Close()

	if r.ctx.Err() != nil {
		cause = errReplyRouterClosed
	} else {
		r.engine.logger.Error(r.ctx, errors.Wrap(cause, "reply subscription broken", j.MKV{"runtime_id": r.engine.runtimeID}))
	}

	for _, w := range waiters {
		w.fail(cause)
	}
}

func (r *replyRouter) remove(w *replyWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiters[w.key] == w {
		delete(r.waiters, w.key)
	}
}

func (r *replyRouter) Close() {
	r.cancel()
}

// replyWaiter buffers the frames of one response key until the pending response reads them.
type replyWaiter struct {
	router *replyRouter
	key    string

	mu     sync.Mutex
	msgs   [][]byte
	err    error
	notify chan struct{}

	once   sync.Once
	closed chan struct{}
}

func (w *replyWaiter) deliver(msg []byte) {
	w.mu.Lock()
	w.msgs = append(w.msgs, msg)
	w.mu.Unlock()

	w.wake()
}

func (w *replyWaiter) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()

	w.wake()
}

func (w *replyWaiter) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *replyWaiter) Recv(ctx context.Context) ([]byte, error) {
	for {
		w.mu.Lock()
		if len(w.msgs) > 0 {
			msg := w.msgs[0]
			w.msgs = w.msgs[1:]
			w.mu.Unlock()
			return msg, nil
		}

		if w.err != nil {
			err := w.err
			w.mu.Unlock()
			return nil, err
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.closed:
			return nil, errReplyRouterClosed
		case <-w.notify:
		}
	}
}

func (w *replyWaiter) Close() error {
	w.once.Do(func() {
		w.router.remove(w)
		close(w.closed)
	})

	return nil
}
