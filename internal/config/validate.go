package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDuration parses a Go duration string; empty yields def.
// Negative values are rejected; path names the field in errors.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the fields the process cannot start without and every
// duration. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if cfg.Telegram.SourceChannelID == 0 {
		errs = append(errs, errors.New("telegram.source_channel_id is required"))
	}
	if cfg.Sweeper.Enabled && cfg.Telegram.RequiredGroupID == 0 {
		errs = append(errs, errors.New("telegram.required_group_id is required when sweeper.enabled"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec must be >= 0"))
	}
	if cfg.Ingest.DedupSize < 0 {
		errs = append(errs, errors.New("ingest.dedup_size must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Sweeper.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("sweeper.timezone: %w", err))
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":        cfg.Telegram.PollTimeout,
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"delivery.send_timeout":        cfg.Delivery.SendTimeout,
		"delivery.default_retry_after": cfg.Delivery.DefaultRetryAfter,
		"sweeper.check_delay":          cfg.Sweeper.CheckDelay,
		"http.read_timeout":            cfg.HTTP.ReadTimeout,
		"http.write_timeout":           cfg.HTTP.WriteTimeout,
		"http.idle_timeout":            cfg.HTTP.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDuration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
