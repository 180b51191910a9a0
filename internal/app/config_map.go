package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hoyorelay/internal/config"
	"hoyorelay/internal/miyoushe"
	"hoyorelay/internal/relay"
	"hoyorelay/internal/storage"
	"hoyorelay/internal/task/scheduler"
	kit "hoyorelay/internal/transport"
	logx "hoyorelay/pkg/logx"
)

const defaultStoragePath = "./data/hoyorelay.db"

// mapStorageConfig resolves the storage section. A missing section means the
// default sqlite database; "none" is rejected because the ledger needs a store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := config.StorageConfig{Driver: "sqlite", Path: defaultStoragePath}
	if cfg != nil && cfg.Storage != nil {
		sc = *cfg.Storage
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "none":
		return storage.Config{}, errors.New("storage.driver: the delivery ledger needs a store, \"none\" is not allowed")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget is the chat that receives mirrored log lines. An explicit thread
// in group_log wins over logging.telegram.thread_id.
func logTarget(cfg *config.Config) kit.ChatTarget {
	gl := strings.TrimSpace(cfg.Telegram.GroupLog)
	if gl == "" {
		return kit.ChatTarget{}
	}
	to, err := kit.ParseTarget(gl)
	if err != nil {
		return kit.ChatTarget{}
	}
	if to.ThreadID == 0 {
		to.ThreadID = cfg.Logging.Telegram.ThreadID
	}
	return to
}

func mapSourceConfig(cfg *config.Config) (miyoushe.Config, error) {
	timeout, err := config.ParseDurationOrDefault("source.request_timeout", cfg.Source.RequestTimeout, 10*time.Second)
	if err != nil {
		return miyoushe.Config{}, err
	}
	base := strings.TrimSpace(cfg.Source.BaseURL)
	if base == "" {
		base = config.DefaultBaseURL
	}
	return miyoushe.Config{BaseURL: base, RequestTimeout: timeout}, nil
}

func mapRelaySettings(cfg *config.Config) relay.Settings {
	routes := make([]relay.Route, 0, len(cfg.Relay.Watched))
	for _, w := range cfg.Relay.Watched {
		routes = append(routes, relay.Route{
			AuthorID:     strings.TrimSpace(w.AuthorID),
			Destinations: append([]string(nil), w.Destinations...),
		})
	}
	article := strings.TrimSpace(cfg.Source.ArticleBaseURL)
	if article == "" {
		article = config.DefaultArticleBaseURL
	}
	size := cfg.Source.PageSize
	if size <= 0 {
		size = config.DefaultPageSize
	}
	return relay.Settings{Routes: routes, ArticleBaseURL: article, PageSize: size}
}

// relaySchedules returns the poll and sweep schedule strings with defaults.
func relaySchedules(cfg *config.Config) (poll, sweep string) {
	poll = strings.TrimSpace(cfg.Relay.Poll)
	if poll == "" {
		poll = config.DefaultPoll
	}
	sweep = strings.TrimSpace(cfg.Relay.Sweep)
	if sweep == "" {
		sweep = config.DefaultSweep
	}
	return poll, sweep
}

func retention(cfg *config.Config) int {
	if cfg.Relay.Retention <= 0 {
		return config.DefaultRetention
	}
	return cfg.Relay.Retention
}

// validateConfig covers what config.Validate cannot: schedule strings and the
// derived storage and source settings. It runs at boot and before a reloaded
// config is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	poll, sweep := relaySchedules(cfg)
	if err := scheduler.ValidateSchedule(poll); err != nil {
		return fmt.Errorf("relay.poll: %w", err)
	}
	if err := scheduler.ValidateSchedule(sweep); err != nil {
		return fmt.Errorf("relay.sweep: %w", err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapSourceConfig(cfg)
	return err
}
