package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/adaptertest"
	jfredis "github.com/andrewwormald/jobflow/adapters/redis"
)

func newClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	redisInstance, err := rediscontainer.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, redisInstance)
	require.NoError(t, err)

	host, err := redisInstance.Host(ctx)
	require.NoError(t, err)

	port, err := redisInstance.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestRedisRecordStore(t *testing.T) {
	client := newClient(t)

	adaptertest.TestRecordStore(t, func() jobflow.RecordStore {
		// Clean the database before each test
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return jfredis.New(client)
	})
}

func TestRedisScheduleStore(t *testing.T) {
	client := newClient(t)

	adaptertest.TestScheduleStore(t, func() jobflow.ScheduleStore {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return jfredis.New(client)
	})
}

func TestRedisQueue(t *testing.T) {
	client := newClient(t)

	factory := func() jobflow.Queue {
		return jfredis.NewQueue(client)
	}

	adaptertest.TestQueue(t, factory)
	t.Run("Recover", func(t *testing.T) {
		adaptertest.TestRecoverer(t, factory)
	})
}

func TestRedisQueueDeadLetters(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	q := jfredis.NewQueue(client, jfredis.WithPollInterval(50*time.Millisecond))

	require.NoError(t, client.LPush(ctx, "jobflow:queue:report", "{not json").Err())
	require.NoError(t, q.Push(ctx, "report", &jobflow.Job{ID: "good", Workflow: "report"}))

	popCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	job, ack, err := q.Pop(popCtx, "report")
	require.NoError(t, err)
	require.Equal(t, "good", job.ID)
	require.NoError(t, ack())

	require.NoError(t, q.Recover(ctx, "report"))

	n, err := q.Len(ctx, "report")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	dead, err := q.DeadLetters(ctx, "report")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("{not json")}, dead)
}

func TestRedisPubSub(t *testing.T) {
	client := newClient(t)

	adaptertest.TestPubSub(t, func() jobflow.PubSub {
		return jfredis.NewPubSub(client)
	})
}

func TestRedisRoleScheduler(t *testing.T) {
	client := newClient(t)

	adaptertest.TestRoleScheduler(t, func() jobflow.RoleScheduler {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return jfredis.NewRoleScheduler(client)
	})
}
