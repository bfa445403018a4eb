package config

// Config is the on-disk configuration (JSON or YAML).
//
// Only the logging section is applied on hot reload; every other section is
// read once at startup.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Napcat    NapcatConfig    `json:"napcat"`
	Bot       BotConfig       `json:"bot"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Selection SelectionConfig `json:"selection"`
	History   HistoryConfig   `json:"history"`
	Storage   StorageConfig   `json:"storage"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NapcatConfig locates the OneBot v11 HTTP control plane.
//
// Example:
//
//	"napcat": { "address": "napcat", "port": 3000, "timeout": "10s" }
type NapcatConfig struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	AccessToken string `json:"access_token,omitempty"` // never logged
	// Timeout is a Go duration string per request.
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// BotConfig describes the bot's own identity.
//
// SelfID may be left empty; it is then read from get_login_info.
// Nickname falls back to the login nickname when empty.
type BotConfig struct {
	SelfID   string   `json:"self_id,omitempty"`
	Nickname string   `json:"nickname,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
}

// ScheduleConfig controls run intervals. All durations are Go duration
// strings (e.g. "6h", "90m").
type ScheduleConfig struct {
	MinInterval       string `json:"min_interval"`
	MaxInterval       string `json:"max_interval"`
	PollInterval      string `json:"poll_interval,omitempty"`
	DiscoveryInterval string `json:"discovery_interval,omitempty"`
	RunTimeout        string `json:"run_timeout,omitempty"`
}

type SelectionConfig struct {
	// LambdaParam: larger values favor the most active members more strongly.
	LambdaParam float64 `json:"lambda_param"`
	// Seed pins the random source; 0 seeds from the clock.
	Seed uint64 `json:"seed,omitempty"`
}

// HistoryConfig controls how group message history is read.
type HistoryConfig struct {
	CommandPrefixes []string `json:"command_prefixes,omitempty"`
	PageSize        int      `json:"page_size,omitempty"`
	MaxPages        int      `json:"max_pages,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/schedule.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
