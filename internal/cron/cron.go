package cron

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Schedule returns the next activation time strictly after the provided time.
type Schedule interface {
	Next(time.Time) time.Time
}

// parser supports standard 5-field cron and descriptors like "@every 30s" or "@daily".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Parse parses spec and, if timezone is not empty, evaluates the schedule in that IANA location.
func Parse(spec string, timezone string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty cron spec")
	}

	if strings.HasPrefix(spec, "TZ=") || strings.HasPrefix(spec, "CRON_TZ=") {
		return nil, fmt.Errorf("timezone must be provided separately from the spec: %s", spec)
	}

	if timezone != "" {
		_, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %v", timezone, err)
		}

		spec = "CRON_TZ=" + timezone + " " + spec
	}

	s, err := parser.Parse(spec)
	if err != nil {
		return nil, err
	}

	return s, nil
}
