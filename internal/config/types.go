package config

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Moderation    ModerationConfig    `json:"moderation"`
	Broadcast     BroadcastConfig     `json:"broadcast"`
	Subscription  SubscriptionConfig  `json:"subscription"`
	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id (as a string) that receives mirrored log lines.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the directory/audit store. Omitted means memory.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./guardbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ModerationConfig drives the keyword gate. Templates left empty fall back to
// the built-in texts.
type ModerationConfig struct {
	Keywords        []string `json:"keywords"`
	Action          string   `json:"action"`
	CooldownSeconds int      `json:"cooldown_seconds"`
	MentionRequired bool     `json:"mention_required"`

	Placeholder          string `json:"placeholder,omitempty"`
	TriggerMessage       string `json:"trigger_message,omitempty"`
	BannedMessage        string `json:"banned_message,omitempty"`
	ReminderMessage      string `json:"reminder_message,omitempty"`
	NaughtyMemberMessage string `json:"naughty_member_message,omitempty"`
	ForgiveMessage       string `json:"forgive_message,omitempty"`

	// RetractDelaySeconds deletes moderation replies after this many seconds; 0 keeps them.
	RetractDelaySeconds int `json:"retract_delay_seconds"`
}

type BroadcastConfig struct {
	Enabled  bool     `json:"enabled"`
	Messages []string `json:"messages"`
	// DailyTimes are "HH:MM" wall-clock times in Timezone.
	DailyTimes      []string `json:"daily_times"`
	IntervalSeconds int      `json:"interval_seconds"`
	ToFriends       bool     `json:"to_friends"`
	ToGroups        bool     `json:"to_groups"`
	Simultaneous    bool     `json:"simultaneous"`
	SkipRecipients  []string `json:"skip_recipients"`

	ImageConversion bool   `json:"image_conversion"`
	ImageFormat     string `json:"image_format,omitempty"` // png (default) or jpeg
	ImageMaxColumns int    `json:"image_max_columns,omitempty"`
	// ImageFont is a TTF/OTF/TTC file; without it only ASCII renders.
	ImageFont     string  `json:"image_font,omitempty"`
	ImageFontSize float64 `json:"image_font_size,omitempty"`

	RetractDelaySeconds int    `json:"retract_delay_seconds"`
	RepeatDaily         bool   `json:"repeat_daily"`
	Timezone            string `json:"timezone,omitempty"`
	RatePerSec          int    `json:"rate_per_sec,omitempty"`
	LogSuccess          bool   `json:"log_success"`
	LogFailure          bool   `json:"log_failure"`
}

type SubscriptionConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ListUID     string `json:"list_uid"`
	APIToken    string `json:"api_token"`
	EmailDomain string `json:"email_domain,omitempty"`
	OnJoin      bool   `json:"on_join"`
	OnLeave     bool   `json:"on_leave"`
	OnKeyword   bool   `json:"on_keyword"`
	OnSpeech    bool   `json:"on_speech"`
	LogRequests bool   `json:"log_requests"`
	Timeout     string `json:"timeout,omitempty"` // Go duration string
}

// ObservabilityConfig controls the health/metrics/admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
