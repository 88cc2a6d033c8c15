package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "6h"); empty means the component default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Delivery DeliveryConfig `json:"delivery"`
	Sweeper  SweeperConfig  `json:"sweeper"`
	Ingest   IngestConfig   `json:"ingest"`
	HTTP     HTTPConfig     `json:"http"`
	Parser   ParserConfig   `json:"parser"`
	Catalog  CatalogConfig  `json:"catalog"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// SourceChannelID is the channel whose posts are parsed and dispatched.
	SourceChannelID int64 `json:"source_channel_id"`
	// RequiredGroupID is the group membership that keeps a subscription alive.
	RequiredGroupID int64   `json:"required_group_id"`
	OwnerUserIDs    []int64 `json:"owner_user_ids"`
	// GroupLog is the operator chat for the telegram log sink.
	GroupLog int64 `json:"group_log,omitempty"`
}

type LoggingConfig struct {
	Level    string             `json:"level"`
	Console  bool               `json:"console"`
	File     LoggingFileConfig  `json:"file"`
	Telegram LoggingTelegramCfg `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegramCfg struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the subscriber directory.
//
//	"storage": { "driver": "sqlite", "path": "./data/stockbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default) | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type DeliveryConfig struct {
	// RatePerSec paces all outbound sends; 0 disables pacing.
	RatePerSec        float64 `json:"rate_per_sec,omitempty"`
	Burst             int     `json:"burst,omitempty"`
	SendTimeout       string  `json:"send_timeout,omitempty"`
	DefaultRetryAfter string  `json:"default_retry_after,omitempty"`
}

type SweeperConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule,omitempty"` // "@every 6h", "cron:0 */6 * * *", "03:00", "6h"
	Timezone   string `json:"timezone,omitempty"`
	CheckDelay string `json:"check_delay,omitempty"`
}

type IngestConfig struct {
	DedupSize int `json:"dedup_size,omitempty"`
}

// HTTPConfig controls the operational HTTP server (/healthz, /metrics, /debug/pprof).
//
// Bind to loopback, or set a token, or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type ParserConfig struct {
	RestockMarkers []string `json:"restock_markers,omitempty"`
	FreeMarker     string   `json:"free_marker,omitempty"`
	PaidMarker     string   `json:"paid_marker,omitempty"`
	LinkPrefix     string   `json:"link_prefix,omitempty"`
	LinkSuffix     string   `json:"link_suffix,omitempty"`
}

type CatalogConfig struct {
	// File is an optional YAML catalog override.
	File string `json:"file,omitempty"`
}

// IsOwner reports whether id is listed in telegram.owner_user_ids.
func (c *Config) IsOwner(id int64) bool {
	if c == nil {
		return false
	}
	for _, o := range c.Telegram.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}
