package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "3m").
type Config struct {
	Slack     SlackConfig     `json:"slack"`
	Kiosk     KioskConfig     `json:"kiosk"`
	Directory DirectoryConfig `json:"directory"`
	Logging   LoggingConfig   `json:"logging"`

	SelfTest *SelfTestConfig `json:"selftest,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTPAPI  *HTTPAPIConfig  `json:"httpapi,omitempty"`
	Pprof    PprofConfig     `json:"pprof,omitempty"`
}

type SlackConfig struct {
	BotToken string `json:"bot_token"`
	// PollInterval paces the acknowledgement poll loop.
	PollInterval string `json:"poll_interval"`
	// PollTimeout bounds a single poll round against the Slack API.
	PollTimeout string `json:"poll_timeout"`
	// OpsChannel receives mirrored warn/error logs (see logging.slack).
	OpsChannel string `json:"ops_channel,omitempty"`
}

// KioskConfig carries the interaction policy for this device.
type KioskConfig struct {
	DeviceID string `json:"device_id"`

	// RequestTimeout is how long a request may stay unanswered. Default "180s".
	RequestTimeout string `json:"request_timeout"`

	// ReplyExtension is the deadline floor-bump applied when a non-resolving
	// reply arrives: deadline = max(deadline, now+extension).
	// Empty means one-third of request_timeout.
	ReplyExtension string `json:"reply_extension,omitempty"`

	// LongPressThreshold separates a normal press from a diagnostic one.
	// Default "2s".
	LongPressThreshold string `json:"long_press_threshold,omitempty"`

	// RateLimitTestSends applies the per-device cooldown to long-press
	// diagnostic sends too. Default true.
	RateLimitTestSends *bool `json:"rate_limit_test_sends,omitempty"`
}

// DirectoryConfig is the device roster: which device posts what, where.
type DirectoryConfig struct {
	// Devices is the local roster.
	Devices []DeviceConfig `json:"devices"`

	// RosterURL optionally points at a published CSV export of the shared
	// device sheet; when set, the directory refreshes from it periodically
	// and the local roster acts as a fallback.
	RosterURL       string `json:"roster_url,omitempty"`
	RefreshInterval string `json:"refresh_interval,omitempty"` // default "5m"
}

type DeviceConfig struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	Message  string `json:"message"`
	Cooldown string `json:"cooldown"` // per-device rate limit, default "60s"
	Channel  string `json:"channel"`  // destination Slack channel id
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Slack   LoggingSlack `json:"slack"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingSlack struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SelfTestConfig schedules periodic diagnostic sends (the long-press path).
type SelfTestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // cron spec or @every
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional interaction audit trail.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./kiosk_audit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPAPIConfig controls the local HTTP surface the touchscreen frontend
// talks to. Bind to loopback; this API is unauthenticated.
type HTTPAPIConfig struct {
	Addr string `json:"addr"` // default "127.0.0.1:8095"
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
