// Package redis provides Redis backed implementations of the engine's infrastructure: a record and schedule store,
// a job queue, the reply channel pubsub and a lease based role scheduler.
package redis

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/andrewwormald/jobflow"
)

const (
	defaultListLimit = 25

	recordKeyPrefix = "jobflow:record:"
	recordSeqKey    = "jobflow:record:seq"
	// listKeyPrefix indexes record IDs by workflow, and by workflow and status, in sorted sets scored by ID.
	listKeyPrefix = "jobflow:records:"
	schedulesKey  = "jobflow:schedules"
)

type Store struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Store {
	return &Store{
		client: client,
	}
}

var (
	_ jobflow.RecordStore   = (*Store)(nil)
	_ jobflow.ScheduleStore = (*Store)(nil)
)

func recordKey(id int64) string {
	return recordKeyPrefix + strconv.FormatInt(id, 10)
}

func listKey(workflowName string, status jobflow.JobStatus) string {
	if status == jobflow.JobStatusUnknown {
		return listKeyPrefix + workflowName
	}

	return listKeyPrefix + workflowName + ":" + strconv.Itoa(int(status))
}

// Create assigns the next ID from a counter and writes the record along with its indexes in one transaction.
func (s *Store) Create(ctx context.Context, r *jobflow.Record) (int64, error) {
	id, err := s.client.Incr(ctx, recordSeqKey).Result()
	if err != nil {
		return 0, jobflow.Transient(err)
	}

	c := *r
	c.ID = id

	data, err := json.Marshal(&c)
	if err != nil {
		return 0, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		member := redis.Z{Score: float64(id), Member: id}
		pipe.Set(ctx, recordKey(id), data, 0)
		pipe.ZAdd(ctx, listKey(c.WorkflowName, jobflow.JobStatusUnknown), member)
		pipe.ZAdd(ctx, listKey(c.WorkflowName, c.Status), member)
		return nil
	})
	if err != nil {
		return 0, jobflow.Transient(err)
	}

	return id, nil
}

// Update replaces the record using an optimistic transaction so that the status index follows the record.
func (s *Store) Update(ctx context.Context, r *jobflow.Record) error {
	key := recordKey(r.ID)

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := lookup(ctx, tx, r.ID)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if current.Status != r.Status {
				pipe.ZRem(ctx, listKey(current.WorkflowName, current.Status), r.ID)
				pipe.ZAdd(ctx, listKey(current.WorkflowName, r.Status), redis.Z{Score: float64(r.ID), Member: r.ID})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, jobflow.ErrRecordNotFound) {
		return err
	} else if errors.Is(err, redis.TxFailedErr) {
		// Another writer updated the record between the read and the write.
		return jobflow.Transient(err)
	} else if err != nil {
		return jobflow.Transient(err)
	}

	return nil
}

func (s *Store) Lookup(ctx context.Context, id int64) (*jobflow.Record, error) {
	return lookup(ctx, s.client, id)
}

func lookup(ctx context.Context, c redis.Cmdable, id int64) (*jobflow.Record, error) {
	data, err := c.Get(ctx, recordKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(jobflow.ErrRecordNotFound, "", j.MKV{"id": id})
	} else if err != nil {
		return nil, jobflow.Transient(err)
	}

	var record jobflow.Record
	err = json.Unmarshal([]byte(data), &record)
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *Store) List(ctx context.Context, workflowName string, status jobflow.JobStatus, offsetID int64, limit int) ([]jobflow.Record, error) {
	if limit == 0 {
		limit = defaultListLimit
	}

	ids, err := s.client.ZRangeByScore(ctx, listKey(workflowName, status), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(offsetID, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, jobflow.Transient(err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, recordKeyPrefix+id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, jobflow.Transient(err)
	}

	records := make([]jobflow.Record, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			// Skip missing records
			continue
		}

		var record jobflow.Record
		err := json.Unmarshal([]byte(data), &record)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func (s *Store) Count(ctx context.Context, workflowName string, status jobflow.JobStatus) (int64, error) {
	n, err := s.client.ZCard(ctx, listKey(workflowName, status)).Result()
	if err != nil {
		return 0, jobflow.Transient(err)
	}

	return n, nil
}

func (s *Store) LookupSchedule(ctx context.Context, workflowName string) (*jobflow.Schedule, error) {
	data, err := s.client.HGet(ctx, schedulesKey, workflowName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(jobflow.ErrScheduleNotFound, "", j.MKV{"workflow_name": workflowName})
	} else if err != nil {
		return nil, jobflow.Transient(err)
	}

	var sched jobflow.Schedule
	err = json.Unmarshal([]byte(data), &sched)
	if err != nil {
		return nil, err
	}

	return &sched, nil
}

func (s *Store) StoreSchedule(ctx context.Context, sched *jobflow.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return err
	}

	err = s.client.HSet(ctx, schedulesKey, sched.WorkflowName, data).Err()
	if err != nil {
		return jobflow.Transient(err)
	}

	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]jobflow.Schedule, error) {
	all, err := s.client.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return nil, jobflow.Transient(err)
	}

	list := make([]jobflow.Schedule, 0, len(all))
	for _, data := range all {
		var sched jobflow.Schedule
		err := json.Unmarshal([]byte(data), &sched)
		if err != nil {
			return nil, err
		}

		list = append(list, sched)
	}

	return list, nil
}
