package main

import (
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	MySQLDSN        string        `mapstructure:"mysql_dsn"`
	KafkaBrokers    []string      `mapstructure:"kafka_brokers"`
	EventSources    []string      `mapstructure:"event_sources"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	RedactKeys      []string      `mapstructure:"redact_keys"`
	Debug           bool          `mapstructure:"debug"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("event_sources", []string{"users"})
	v.SetDefault("response_timeout", 30*time.Second)
	v.SetDefault("redact_keys", []string{"password", "token", "secret"})
}

// loadConfig reads the config from the flags and from environment variables prefixed with JOBFLOW_, for example
// JOBFLOW_REDIS_ADDR.
func loadConfig(v *viper.Viper, cmd *cobra.Command) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("jobflow")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	err := v.BindPFlags(cmd.Flags())
	if err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}

	var cfg Config
	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address is required", j.C("ERR_5a0f3c8e1b7d2946"))
	}

	return &cfg, nil
}
