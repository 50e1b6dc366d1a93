package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/andrewwormald/jobflow"
)

const (
	roleKeyPrefix       = "jobflow:role:"
	defaultLeaseTTL     = 10 * time.Second
	defaultRolePollTime = 100 * time.Millisecond
)

var (
	renewScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
	`)

	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
)

// RoleScheduler assigns roles across processes with expiring leases. The holder renews its lease while it runs and
// loses the role, with its context cancelled, if a renewal fails.
type RoleScheduler struct {
	client   redis.UniversalClient
	ttl      time.Duration
	pollTime time.Duration
}

type RoleOption func(rs *RoleScheduler)

// WithLeaseTTL sets how long a role survives its holder disappearing without releasing it.
func WithLeaseTTL(d time.Duration) RoleOption {
	return func(rs *RoleScheduler) {
		rs.ttl = d
	}
}

func NewRoleScheduler(client redis.UniversalClient, opts ...RoleOption) *RoleScheduler {
	rs := &RoleScheduler{
		client:   client,
		ttl:      defaultLeaseTTL,
		pollTime: defaultRolePollTime,
	}
	for _, opt := range opts {
		opt(rs)
	}

	return rs
}

var _ jobflow.RoleScheduler = (*RoleScheduler)(nil)

func (rs *RoleScheduler) Await(ctx context.Context, role string) (context.Context, context.CancelFunc, error) {
	key := roleKeyPrefix + role
	token := uuid.New().String()

	for {
		ok, err := rs.client.SetNX(ctx, key, token, rs.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}

			return nil, nil, jobflow.Transient(err)
		}

		if ok {
			break
		}

		t := time.NewTimer(rs.pollTime)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		case <-t.C:
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	go rs.hold(ctx, cancel, key, token)

	return ctx, cancel, nil
}

// hold renews the lease until ctx is done and then releases it.
func (rs *RoleScheduler) hold(ctx context.Context, cancel context.CancelFunc, key, token string) {
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()

		_ = releaseScript.Run(releaseCtx, rs.client, []string{key}, token).Err()
	}()

	ticker := time.NewTicker(rs.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, rs.client, []string{key}, token, rs.ttl.Milliseconds()).Int()
			if err != nil || n == 0 {
				// The lease may have expired and been taken by another process.
				cancel()
				return
			}
		}
	}
}
