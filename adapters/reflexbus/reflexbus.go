// Package reflexbus provides an event bus over reflex events tables. Each source is a MySQL events table whose
// metadata column carries the event name and its JSON payload.
package reflexbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/luno/fate"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/reflex"
	"github.com/luno/reflex/rsql"

	"github.com/andrewwormald/jobflow"
)

const defaultErrBackOff = time.Second

type eventType int

func (t eventType) ReflexType() int {
	return int(t)
}

// typePublished is the reflex type of every event inserted by Publish.
const typePublished eventType = 1

type metadata struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type source struct {
	tableName string
	table     *rsql.EventsTable
}

type Bus struct {
	writer      *sql.DB
	reader      *sql.DB
	cursorStore reflex.CursorStore
	sources     map[string]source
	errBackOff  time.Duration
	logger      jobflow.Logger
}

type Option func(b *Bus)

// WithSource registers an events table as the named source. The table requires a metadata column.
func WithSource(name, tableName string) Option {
	return func(b *Bus) {
		b.sources[name] = source{
			tableName: tableName,
			table:     rsql.NewEventsTable(tableName, rsql.WithEventMetadataField("metadata")),
		}
	}
}

func WithErrBackOff(d time.Duration) Option {
	return func(b *Bus) {
		b.errBackOff = d
	}
}

func WithLogger(l jobflow.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

func NewBus(writer, reader *sql.DB, cursorStore reflex.CursorStore, opts ...Option) *Bus {
	b := &Bus{
		writer:      writer,
		reader:      reader,
		cursorStore: cursorStore,
		sources:     make(map[string]source),
		errBackOff:  defaultErrBackOff,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

var _ jobflow.EventBus = (*Bus)(nil)

func (b *Bus) HasSource(name string) bool {
	_, ok := b.sources[name]
	return ok
}

// Publish inserts the event into the source's events table and notifies waiting streams.
func (b *Bus) Publish(ctx context.Context, sourceName, event string, payload any) error {
	src, ok := b.sources[sourceName]
	if !ok {
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": sourceName})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(metadata{Event: event, Payload: data})
	if err != nil {
		return err
	}

	tx, err := b.writer.BeginTx(ctx, nil)
	if err != nil {
		return jobflow.Transient(err)
	}
	defer tx.Rollback()

	notify, err := src.table.InsertWithMetadata(ctx, tx, uuid.NewString(), typePublished, meta)
	if err != nil {
		return jobflow.Transient(err)
	}

	err = tx.Commit()
	if err != nil {
		return jobflow.Transient(err)
	}

	notify()

	return nil
}

// Subscribe consumes the source with a cursor named after the source and event. A new cursor starts at the head
// of the table so only events inserted after the call are delivered; an existing cursor resumes where it left off.
func (b *Bus) Subscribe(ctx context.Context, sourceName, event string, h jobflow.EventHandler) error {
	src, ok := b.sources[sourceName]
	if !ok {
		return errors.Wrap(jobflow.ErrUnknownEventSource, "", j.MKV{"source": sourceName})
	}

	name := cursorName(sourceName, event)
	err := b.initCursor(ctx, src, name)
	if err != nil {
		return err
	}

	consumer := reflex.NewConsumer(name, func(ctx context.Context, _ fate.Fate, e *reflex.Event) error {
		ev, err := parseEvent(sourceName, e)
		if err != nil {
			b.logError(ctx, errors.Wrap(err, "skipping malformed event", j.MKV{"id": e.ID}))
			return nil
		}

		if ev.Name != event {
			return nil
		}

		return h(ctx, ev)
	})

	spec := reflex.NewSpec(src.table.ToStream(b.reader), b.cursorStore, consumer)

	go b.run(ctx, name, spec)
	return nil
}

// run restarts the consumer after every error. Errors leave the cursor in place so the failed event is delivered
// again.
func (b *Bus) run(ctx context.Context, name string, spec reflex.Spec) {
	for ctx.Err() == nil {
		err := reflex.Run(ctx, spec)
		if ctx.Err() != nil {
			return
		}

		b.logError(ctx, errors.Wrap(err, "reflex consumer", j.MKV{"consumer": name}))

		t := time.NewTimer(b.errBackOff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (b *Bus) initCursor(ctx context.Context, src source, name string) error {
	cursor, err := b.cursorStore.GetCursor(ctx, name)
	if err != nil {
		return jobflow.Transient(errors.Wrap(err, "get cursor", j.MKV{"cursor": name}))
	}

	if cursor != "" {
		return nil
	}

	var head int64
	err = b.reader.QueryRowContext(ctx, "select coalesce(max(id), 0) from "+src.tableName).Scan(&head)
	if err != nil {
		return jobflow.Transient(errors.Wrap(err, "query head", j.MKV{"table": src.tableName}))
	}

	if head == 0 {
		return nil
	}

	err = b.cursorStore.SetCursor(ctx, name, strconv.FormatInt(head, 10))
	if err != nil {
		return jobflow.Transient(err)
	}

	return b.cursorStore.Flush(ctx)
}

func (b *Bus) logError(ctx context.Context, err error) {
	if b.logger == nil {
		return
	}

	b.logger.Error(ctx, err)
}

func cursorName(source, event string) string {
	return "jobflow_" + source + "_" + event
}

func parseEvent(source string, e *reflex.Event) (*jobflow.Event, error) {
	var meta metadata
	err := json.Unmarshal(e.MetaData, &meta)
	if err != nil {
		return nil, err
	}

	var payload any
	if len(meta.Payload) > 0 {
		err = json.Unmarshal(meta.Payload, &payload)
		if err != nil {
			return nil, err
		}
	}

	return &jobflow.Event{
		ID:        e.ID,
		Source:    source,
		Name:      meta.Event,
		Payload:   payload,
		CreatedAt: e.Timestamp,
	}, nil
}
