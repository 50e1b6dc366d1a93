// Command jobflow runs the engine with the example workflows on Redis, optionally with MySQL records and Kafka
// events. The serve command accepts webhooks and dispatches cron and event triggers; the work command executes
// jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "jobflow",
		Short:         "Durable step based workflows over Redis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("redis_addr", "localhost:6379", "Redis address for the queue, reply channels and roles")
	flags.String("mysql_dsn", "", "MySQL DSN of the record store; records are kept in Redis when empty")
	flags.StringSlice("kafka_brokers", nil, "Kafka brokers of the event bus; Redis Streams are used when empty")
	flags.StringSlice("event_sources", []string{"users"}, "Event sources available to workflows")
	flags.Bool("debug", false, "Enable debug logs")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve webhooks and the admin API and dispatch cron and event triggers",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(v, cmd)
				if err != nil {
					return err
				}

				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "work",
			Short: "Execute jobs of every registered workflow",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(v, cmd)
				if err != nil {
					return err
				}

				return work(cmd.Context(), cfg)
			},
		},
	)

	return root
}
