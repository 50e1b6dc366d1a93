// Package memstore provides in-memory record and schedule stores for tests and single process deployments.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/andrewwormald/jobflow"
)

var (
	_ jobflow.RecordStore   = (*Store)(nil)
	_ jobflow.ScheduleStore = (*Store)(nil)
)

// Store holds job records and schedules in memory. It satisfies both RecordStore and ScheduleStore.
type Store struct {
	mu          sync.Mutex
	idIncrement int64
	records     map[int64]*jobflow.Record
	schedules   map[string]*jobflow.Schedule
}

func New() *Store {
	return &Store{
		records:   make(map[int64]*jobflow.Record),
		schedules: make(map[string]*jobflow.Schedule),
	}
}

func (s *Store) Create(ctx context.Context, r *jobflow.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idIncrement++
	c := copyRecord(r)
	c.ID = s.idIncrement
	s.records[c.ID] = c

	return c.ID, nil
}

func (s *Store) Update(ctx context.Context, r *jobflow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; !ok {
		return jobflow.ErrRecordNotFound
	}

	s.records[r.ID] = copyRecord(r)
	return nil
}

func (s *Store) Lookup(ctx context.Context, id int64) (*jobflow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, jobflow.ErrRecordNotFound
	}

	// Return a copy so modifications don't affect the store.
	return copyRecord(r), nil
}

func (s *Store) List(ctx context.Context, workflowName string, status jobflow.JobStatus, offsetID int64, limit int) ([]jobflow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, r := range s.records {
		if id <= offsetID || !matches(r, workflowName, status) {
			continue
		}

		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	resp := make([]jobflow.Record, 0, len(ids))
	for _, id := range ids {
		resp = append(resp, *copyRecord(s.records[id]))
	}

	return resp, nil
}

func (s *Store) Count(ctx context.Context, workflowName string, status jobflow.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.records {
		if matches(r, workflowName, status) {
			n++
		}
	}

	return n, nil
}

func (s *Store) LookupSchedule(ctx context.Context, workflowName string) (*jobflow.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[workflowName]
	if !ok {
		return nil, jobflow.ErrScheduleNotFound
	}

	c := *sched
	return &c, nil
}

func (s *Store) StoreSchedule(ctx context.Context, sched *jobflow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *sched
	s.schedules[sched.WorkflowName] = &c
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]jobflow.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := make([]jobflow.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		resp = append(resp, *sched)
	}

	sort.Slice(resp, func(i, j int) bool {
		return resp[i].WorkflowName < resp[j].WorkflowName
	})

	return resp, nil
}

func matches(r *jobflow.Record, workflowName string, status jobflow.JobStatus) bool {
	if r.WorkflowName != workflowName {
		return false
	}

	return status == jobflow.JobStatusUnknown || r.Status == status
}

func copyRecord(r *jobflow.Record) *jobflow.Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	if r.ResponseHeaders != nil {
		c.ResponseHeaders = make(map[string]string, len(r.ResponseHeaders))
		for k, v := range r.ResponseHeaders {
			c.ResponseHeaders[k] = v
		}
	}

	return &c
}
