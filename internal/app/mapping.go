package app

import (
	"fmt"
	"strings"
	"time"

	"stockbot/internal/config"
	"stockbot/internal/delivery"
	"stockbot/internal/event"
	"stockbot/internal/observability/httpd"
	"stockbot/internal/storage"
	"stockbot/internal/sweeper"
	logx "stockbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLog,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if driver == "memory" {
		return storage.Config{Driver: driver}, nil
	}
	if path == "" {
		path = "./data/stockbot.db"
	}
	busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapDeliveryOptions(cfg *config.Config) (delivery.Options, error) {
	dc := cfg.Delivery
	sendTimeout, err := config.ParseDuration("delivery.send_timeout", dc.SendTimeout, 15*time.Second)
	if err != nil {
		return delivery.Options{}, err
	}
	retryAfter, err := config.ParseDuration("delivery.default_retry_after", dc.DefaultRetryAfter, delivery.DefaultRetryAfter)
	if err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{
		RatePerSec:        dc.RatePerSec,
		Burst:             dc.Burst,
		SendTimeout:       sendTimeout,
		DefaultRetryAfter: retryAfter,
	}, nil
}

func mapParserConfig(cfg *config.Config) event.Config {
	pc := cfg.Parser
	link := event.LinkRule{Prefix: pc.LinkPrefix, Suffix: pc.LinkSuffix}
	return event.Config{
		RestockMarkers: pc.RestockMarkers,
		FreeMarker:     pc.FreeMarker,
		PaidMarker:     pc.PaidMarker,
		FreeLink:       link,
		PaidLink:       link,
	}
}

func mapSweeperConfig(cfg *config.Config) (sweeper.Config, error) {
	sc := cfg.Sweeper
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return sweeper.Config{}, fmt.Errorf("sweeper.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	delay, err := config.ParseDuration("sweeper.check_delay", sc.CheckDelay, sweeper.DefaultCheckDelay)
	if err != nil {
		return sweeper.Config{}, err
	}
	schedule := strings.TrimSpace(sc.Schedule)
	if schedule == "" {
		schedule = sweeper.DefaultSchedule
	}
	if _, err := sweeper.ParseSchedule(schedule); err != nil {
		return sweeper.Config{}, fmt.Errorf("sweeper.schedule: %w", err)
	}
	return sweeper.Config{
		GroupID:    cfg.Telegram.RequiredGroupID,
		Schedule:   schedule,
		Location:   loc,
		CheckDelay: delay,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpd.Config, error) {
	hc := cfg.HTTP
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = httpd.DefaultAddr
	}
	read, err := config.ParseDuration("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpd.Config{}, err
	}
	// profile/trace endpoints stream for up to 30s by default
	write, err := config.ParseDuration("http.write_timeout", hc.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpd.Config{}, err
	}
	idle, err := config.ParseDuration("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpd.Config{}, err
	}
	return httpd.Config{
		Enabled:       hc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
