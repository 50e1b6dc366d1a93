// Package memrolescheduler provides an in-process role scheduler. It is only suitable when a single engine process
// is deployed.
package memrolescheduler

import (
	"context"
	"sync"
)

type RoleScheduler struct {
	mu    sync.Mutex
	roles map[string]chan struct{}
}

func New() *RoleScheduler {
	return &RoleScheduler{
		roles: make(map[string]chan struct{}),
	}
}

// Await blocks until the role is free or ctx is cancelled. The role is released when the returned context is
// cancelled.
func (r *RoleScheduler) Await(ctx context.Context, role string) (context.Context, context.CancelFunc, error) {
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	token := r.token(role)

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case token <- struct{}{}:
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		<-token
	}()

	return ctx, cancel, nil
}

func (r *RoleScheduler) token(role string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.roles[role]
	if !ok {
		token = make(chan struct{}, 1)
		r.roles[role] = token
	}

	return token
}
