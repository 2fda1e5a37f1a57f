package config

type Config struct {
	Bot     BotConfig     `json:"bot"`
	Logging LoggingConfig `json:"logging"`
	Prefix  PrefixConfig  `json:"prefix"`
	Access  AccessConfig  `json:"access"`

	Commands CommandsConfig `json:"commands"`
	Events   EventsConfig   `json:"events"`
	Tasks    TasksConfig    `json:"tasks"`

	Maintenance MaintenanceConfig `json:"maintenance"`
	Storage     *StorageConfig    `json:"storage,omitempty"`

	// SweepInterval is a Go duration string controlling the periodic sweep
	// (cooldown expiry, dedup clear, stats trim). Default "60s".
	SweepInterval string `json:"sweep_interval,omitempty"`
}

type BotConfig struct {
	// SelfID is the bot's own platform account id. Messages from this id
	// are dispatched only when they carry the self prefix.
	SelfID string `json:"self_id"`

	// LogThreadID receives forwarded warn+ log lines when
	// logging.platform.enabled is set.
	LogThreadID string `json:"log_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Platform LoggingPlatform `json:"platform"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingPlatform struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PrefixConfig controls command prefix extraction.
//
// Enabled is a pointer so "omitted" defaults to true while an explicit
// false disables prefixing (the whole message body is the command text).
type PrefixConfig struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	Primary       string   `json:"primary"`
	Alternates    []string `json:"alternates,omitempty"`
	Self          string   `json:"self"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`
}

func (p PrefixConfig) IsEnabled() bool { return boolOr(p.Enabled, true) }

type AccessConfig struct {
	Admins         []string `json:"admins,omitempty"`
	SuperAdmins    []string `json:"superadmins,omitempty"`
	BlockedUsers   []string `json:"blocked_users,omitempty"`
	BlockedThreads []string `json:"blocked_threads,omitempty"`
}

type CommandsConfig struct {
	Directories []string `json:"directories"`

	AllowDM    *bool `json:"allow_dm,omitempty"`
	AllowGroup *bool `json:"allow_group,omitempty"`

	// DefaultCooldown (seconds) applies to commands that don't declare one.
	DefaultCooldown     int   `json:"default_cooldown,omitempty"`
	AdminBypassCooldown *bool `json:"admin_bypass_cooldown,omitempty"`

	CaseSensitive bool `json:"case_sensitive,omitempty"`

	// DeleteTrigger removes the triggering message after a successful
	// command execution (best effort).
	DeleteTrigger bool `json:"delete_trigger,omitempty"`

	Dedup DedupConfig `json:"dedup"`
}

func (c CommandsConfig) DMAllowed() bool    { return boolOr(c.AllowDM, true) }
func (c CommandsConfig) GroupAllowed() bool { return boolOr(c.AllowGroup, true) }
func (c CommandsConfig) BypassCooldown() bool {
	return boolOr(c.AdminBypassCooldown, true)
}

// DedupConfig controls the at-most-once claim on message ids in group
// threads. StorageMirror additionally records claims in storage (best
// effort only; cross-process exactly-once is out of scope).
type DedupConfig struct {
	Enabled       *bool `json:"enabled,omitempty"`
	StorageMirror bool  `json:"storage_mirror,omitempty"`
}

func (d DedupConfig) IsEnabled() bool { return boolOr(d.Enabled, true) }

type EventsConfig struct {
	Directories []string `json:"directories"`

	AllowDM    *bool `json:"allow_dm,omitempty"`
	AllowGroup *bool `json:"allow_group,omitempty"`

	Humanize HumanizeConfig `json:"humanize"`
}

func (e EventsConfig) DMAllowed() bool    { return boolOr(e.AllowDM, true) }
func (e EventsConfig) GroupAllowed() bool { return boolOr(e.AllowGroup, true) }

// HumanizeConfig shapes the optional pre-dispatch delay for log-subtype
// events so reactions don't look machine-instant.
//
// BaseDelays maps a platform log subtype to a [min,max] millisecond range.
// Subtypes without an entry fall back to the dispatcher's built-in table.
type HumanizeConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// Night window (hours, 0-23). During the window the base delay is
	// multiplied by NightFactor (default 2.0).
	NightStart  int     `json:"night_start,omitempty"`
	NightEnd    int     `json:"night_end,omitempty"`
	NightFactor float64 `json:"night_factor,omitempty"`

	// Peak window: delay multiplied by PeakFactor (default 0.8).
	PeakStart  int     `json:"peak_start,omitempty"`
	PeakEnd    int     `json:"peak_end,omitempty"`
	PeakFactor float64 `json:"peak_factor,omitempty"`

	BaseDelays map[string]DelayRange `json:"base_delays,omitempty"`
}

type DelayRange struct {
	MinMS int `json:"min_ms"`
	MaxMS int `json:"max_ms"`
}

type TasksConfig struct {
	Directories []string `json:"directories"`
}

type MaintenanceConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Message string `json:"message,omitempty"`

	// NotifyCooldown is a Go duration string bounding how often a given
	// non-admin user is told about maintenance mode. Default "60s".
	NotifyCooldown string `json:"notify_cooldown,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./modbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
