package main

import (
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
	"github.com/redis/go-redis/v9"

	"github.com/andrewwormald/jobflow"
	"github.com/andrewwormald/jobflow/adapters/jlog"
	"github.com/andrewwormald/jobflow/adapters/kafkabus"
	jredis "github.com/andrewwormald/jobflow/adapters/redis"
	"github.com/andrewwormald/jobflow/adapters/sqlstore"
	"github.com/andrewwormald/jobflow/adapters/wredis"
	"github.com/andrewwormald/jobflow/examples/delay"
	"github.com/andrewwormald/jobflow/examples/schedule"
	"github.com/andrewwormald/jobflow/examples/signup"
)

const (
	recordTable   = "jobflow_records"
	scheduleTable = "jobflow_schedules"
)

type deps struct {
	engine  *jobflow.Engine
	closers []func() error
}

func (d *deps) Close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err := d.closers[i]()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// newDeps connects to the configured infrastructure and returns an engine with the example workflows registered.
func newDeps(cfg *Config, opts ...jobflow.Option) (*deps, error) {
	var d deps
	logger := jlog.New()

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{cfg.RedisAddr},
	})
	d.closers = append(d.closers, client.Close)

	var (
		records   jobflow.RecordStore
		schedules jobflow.ScheduleStore
	)
	if cfg.MySQLDSN != "" {
		dbc, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			_ = d.Close()
			return nil, errors.Wrap(err, "open mysql")
		}
		d.closers = append(d.closers, dbc.Close)

		s := sqlstore.New(dbc, dbc, recordTable, scheduleTable)
		records, schedules = s, s
	} else {
		s := jredis.New(client)
		records, schedules = s, s
	}

	var bus jobflow.EventBus
	if len(cfg.KafkaBrokers) > 0 {
		kb := kafkabus.NewBus(cfg.KafkaBrokers, cfg.EventSources, kafkabus.WithLogger(logger))
		d.closers = append(d.closers, kb.Close)
		bus = kb
	} else {
		bus = wredis.NewBus(client, cfg.EventSources, wredis.WithLogger(logger))
	}

	locator := jobflow.NewLocator()
	locator.Provide(signup.MailerService, signup.Mailer(&signup.Outbox{}))

	opts = append([]jobflow.Option{
		jobflow.WithLogger(logger),
		jobflow.WithEventBus(bus),
		jobflow.WithLocator(locator),
		jobflow.WithRoleScheduler(jredis.NewRoleScheduler(client)),
		jobflow.WithResponseTimeout(cfg.ResponseTimeout),
		jobflow.WithRedactKeys(cfg.RedactKeys...),
	}, opts...)
	if cfg.Debug {
		opts = append(opts, jobflow.WithDebugMode())
	}

	d.engine = jobflow.New(jredis.NewQueue(client), records, schedules, jredis.NewPubSub(client), opts...)

	defs := []jobflow.Definition{
		delay.Workflow(),
		schedule.Workflow(schedule.Deps{
			Records:  records,
			Reports:  &schedule.Reports{},
			Watching: delay.Name,
		}, "0 6 * * *"),
	}
	defs = append(defs, signup.Workflows()...)

	err := d.engine.Register(defs...)
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	return &d, nil
}
