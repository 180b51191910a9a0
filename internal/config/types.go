package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Source   SourceConfig   `json:"source"`
	Relay    RelayConfig    `json:"relay"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// SendRatePerSec paces outgoing messages. Defaults to 1.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/hoyorelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourceConfig points at the Miyoushe web API.
type SourceConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	ArticleBaseURL string `json:"article_base_url,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	PageSize       int    `json:"page_size,omitempty"`
}

// RelayConfig controls the poll and retention triggers and the broadcast list.
//
// Poll and Sweep accept anything the scheduler parses: a Go duration
// ("2m"), "HH:MM", or a cron expression.
type RelayConfig struct {
	Poll       string          `json:"poll,omitempty"`
	Sweep      string          `json:"sweep,omitempty"`
	Retention  int             `json:"retention,omitempty"`
	Timezone   string          `json:"timezone,omitempty"`
	RunOnStart *bool           `json:"run_on_start,omitempty"`
	Watched    []WatchedAuthor `json:"watched"`
}

// WatchedAuthor is one broadcast route. Destinations are "<chat_id>" or
// "<chat_id>/<thread_id>".
type WatchedAuthor struct {
	AuthorID     string   `json:"author_id"`
	Destinations []string `json:"destinations"`
}

const (
	DefaultBaseURL        = "https://bbs-api.miyoushe.com"
	DefaultArticleBaseURL = "https://www.miyoushe.com/ys/article/"
	DefaultPoll           = "2m"
	DefaultSweep          = "24h"
	DefaultRetention      = 50
	DefaultPageSize       = 3
)

// RunOnStartEnabled defaults to true when omitted.
func (r RelayConfig) RunOnStartEnabled() bool {
	return r.RunOnStart == nil || *r.RunOnStart
}
