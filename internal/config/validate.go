package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"hoyorelay/internal/transport"
)

var authorIDPattern = regexp.MustCompile(`^\d+$`)

// Validate checks fields that can be checked without touching the network or
// the scheduler. Schedule strings are validated by the app, which owns the
// parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Telegram.SendRatePerSec < 0 {
		errs = append(errs, errors.New("telegram.send_rate_per_sec: must be >= 0"))
	}
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, err := transport.ParseTarget(gl); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: %w", err))
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "sqlite", "memory":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := ParseDurationField("source.request_timeout", cfg.Source.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Source.PageSize < 0 {
		errs = append(errs, errors.New("source.page_size: must be >= 0"))
	}

	if cfg.Relay.Retention < 0 {
		errs = append(errs, errors.New("relay.retention: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Relay.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("relay.timezone: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, w := range cfg.Relay.Watched {
		path := fmt.Sprintf("relay.watched[%d]", i)
		id := strings.TrimSpace(w.AuthorID)
		if !authorIDPattern.MatchString(id) {
			errs = append(errs, fmt.Errorf("%s.author_id: must be numeric, got %q", path, w.AuthorID))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("%s.author_id: duplicate %q", path, id))
		}
		seen[id] = true
		for j, d := range w.Destinations {
			if _, err := transport.ParseTarget(d); err != nil {
				errs = append(errs, fmt.Errorf("%s.destinations[%d]: %w", path, j, err))
			}
		}
	}
	return errors.Join(errs...)
}
