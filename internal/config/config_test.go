package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/hoyorelay.db
source:
  request_timeout: 10s
relay:
  poll: 2m
  retention: 50
  watched:
    - author_id: "288909600"
      destinations: ["-1001234567890", "-1009876543210/42"]
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Telegram.OwnerUserIDs[0] != 42 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := cfg.Relay.Watched[0].Destinations; len(got) != 2 || got[1] != "-1009876543210/42" {
		t.Fatalf("destinations = %v", got)
	}
	if !cfg.Relay.RunOnStartEnabled() {
		t.Fatalf("run_on_start should default to true")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{name: "unknown yaml key", file: "c.yml", data: "relay:\n  bogus: 1\n"},
		{name: "unknown json key", file: "c.json", data: `{"plugins":{}}`},
		{name: "trailing json", file: "c.json", data: `{} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t"},
			Relay: RelayConfig{Watched: []WatchedAuthor{
				{AuthorID: "1", Destinations: []string{"-100"}},
			}},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "bad author", mutate: func(c *Config) { c.Relay.Watched[0].AuthorID = "abc" }, wantErr: "author_id"},
		{name: "duplicate author", mutate: func(c *Config) {
			c.Relay.Watched = append(c.Relay.Watched, WatchedAuthor{AuthorID: "1"})
		}, wantErr: "duplicate"},
		{name: "bad destination", mutate: func(c *Config) { c.Relay.Watched[0].Destinations = []string{"x/1"} }, wantErr: "destinations[0]"},
		{name: "bad thread", mutate: func(c *Config) { c.Relay.Watched[0].Destinations = []string{"-100/x"} }, wantErr: "thread"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, wantErr: "storage.driver"},
		{name: "bad duration", mutate: func(c *Config) { c.Source.RequestTimeout = "soon" }, wantErr: "source.request_timeout"},
		{name: "bad timezone", mutate: func(c *Config) { c.Relay.Timezone = "Mars/Base" }, wantErr: "relay.timezone"},
		{name: "negative retention", mutate: func(c *Config) { c.Relay.Retention = -1 }, wantErr: "relay.retention"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected negative duration to fail")
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("unchanged config should not be published")
	default:
	}

	changed := strings.Replace(sampleYAML, "retention: 50", "retention: 60", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Relay.Retention != 60 {
			t.Fatalf("retention = %d, want 60", cfg.Relay.Retention)
		}
	default:
		t.Fatalf("expected published config")
	}
	if m.Get().Relay.Retention != 60 {
		t.Fatalf("Get not updated")
	}
}

func TestReloadKeepsConfigOnValidationFailure(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	bad := strings.Replace(sampleYAML, `author_id: "288909600"`, `author_id: "nope"`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get().Relay.Watched[0].AuthorID != "288909600" {
		t.Fatalf("invalid config must not be committed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Relay: RelayConfig{Retention: 10}, Storage: &StorageConfig{Driver: "memory"}}
	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "relay,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "telegram.token,storage" {
		t.Fatalf("restart = %v", restart)
	}
}
