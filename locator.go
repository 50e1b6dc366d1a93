package jobflow

import (
	"fmt"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var ErrUnknownService = errors.New("service not provided to locator", j.C("ERR_1b7d3f9a5c0e2864"))

// Locator is the explicit service locator that workflow factories resolve their dependencies from.
type Locator struct {
	mu       sync.RWMutex
	services map[string]any
}

func NewLocator() *Locator {
	return &Locator{
		services: make(map[string]any),
	}
}

// Provide registers svc under name, replacing any previous registration.
func (l *Locator) Provide(name string, svc any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.services[name] = svc
}

// Resolve returns the service registered under name as a T.
func Resolve[T any](l *Locator, name string) (T, error) {
	var zero T
	if l == nil {
		return zero, errors.Wrap(ErrUnknownService, "nil locator", j.MKV{"name": name})
	}

	l.mu.RLock()
	svc, ok := l.services[name]
	l.mu.RUnlock()
	if !ok {
		return zero, errors.Wrap(ErrUnknownService, "", j.MKV{"name": name})
	}

	t, ok := svc.(T)
	if !ok {
		return zero, errors.Wrap(ErrUnknownService, fmt.Sprintf("service has type %T", svc), j.MKV{"name": name})
	}

	return t, nil
}
