package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	logx "duoshe/pkg/logx"
)

// TokenEnv overrides napcat.access_token when set.
const TokenEnv = "DUOSHE_NAPCAT_TOKEN"

// Defaults for every optional field.
const (
	DefaultNapcatAddress     = "napcat"
	DefaultNapcatPort        = 3000
	DefaultNapcatTimeout     = "10s"
	DefaultNapcatRatePerSec  = 5
	DefaultMinInterval       = "6h"
	DefaultMaxInterval       = "8h"
	DefaultPollInterval      = "1m"
	DefaultDiscoveryInterval = "10m"
	DefaultRunTimeout        = "2m"
	DefaultLambda            = 1.5
	DefaultPageSize          = 100
	DefaultMaxPages          = 20
	DefaultStorageDriver     = "file"
	DefaultStoragePath       = "./data/schedule.json"
	DefaultBusyTimeout       = "5s"
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Level: "info", Console: true}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. Explicit values are kept as written and
// checked later by Resolve.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}

	n := &c.Napcat
	if strings.TrimSpace(n.Address) == "" {
		n.Address = DefaultNapcatAddress
	}
	if n.Port == 0 {
		n.Port = DefaultNapcatPort
	}
	if strings.TrimSpace(n.Timeout) == "" {
		n.Timeout = DefaultNapcatTimeout
	}
	if n.RatePerSec == 0 {
		n.RatePerSec = DefaultNapcatRatePerSec
	}

	s := &c.Schedule
	setIfEmpty(&s.MinInterval, DefaultMinInterval)
	setIfEmpty(&s.MaxInterval, DefaultMaxInterval)
	setIfEmpty(&s.PollInterval, DefaultPollInterval)
	setIfEmpty(&s.DiscoveryInterval, DefaultDiscoveryInterval)
	setIfEmpty(&s.RunTimeout, DefaultRunTimeout)

	if c.Selection.LambdaParam == 0 {
		c.Selection.LambdaParam = DefaultLambda
	}

	h := &c.History
	if h.CommandPrefixes == nil {
		h.CommandPrefixes = []string{"/"}
	}
	if h.PageSize == 0 {
		h.PageSize = DefaultPageSize
	}
	if h.MaxPages == 0 {
		h.MaxPages = DefaultMaxPages
	}

	st := &c.Storage
	setIfEmpty(&st.Driver, DefaultStorageDriver)
	setIfEmpty(&st.Path, DefaultStoragePath)
	setIfEmpty(&st.BusyTimeout, DefaultBusyTimeout)
}

func setIfEmpty(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

// ApplyEnv copies secrets from the environment into cfg.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if tok := strings.TrimSpace(getenv(TokenEnv)); tok != "" {
		c.Napcat.AccessToken = tok
	}
}

// Runtime is the validated, typed view of a Config. It is fixed for the
// lifetime of the process, apart from Logging.
type Runtime struct {
	Logging  logx.Config
	Napcat   NapcatRuntime
	Bot      BotConfig
	Schedule ScheduleRuntime
	Lambda   float64
	Seed     uint64
	History  HistoryConfig
	Storage  StorageRuntime
	Warnings []string
}

type NapcatRuntime struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	RatePerSec  int
}

type ScheduleRuntime struct {
	MinInterval       time.Duration
	MaxInterval       time.Duration
	PollInterval      time.Duration
	DiscoveryInterval time.Duration
	RunTimeout        time.Duration
}

type StorageRuntime struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// LogxConfig maps the logging section onto the logger configuration.
func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// Resolve validates cfg and parses its durations. Errors for all fields are
// joined so a bad file is reported in one pass.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		add(err)
		return d
	}

	rt := &Runtime{
		Logging: cfg.Logging.LogxConfig(),
		Bot:     cfg.Bot,
		Lambda:  cfg.Selection.LambdaParam,
		Seed:    cfg.Selection.Seed,
		History: cfg.History,
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	// napcat
	addr := strings.TrimSpace(cfg.Napcat.Address)
	if addr == "" {
		add(errors.New("napcat.address is required"))
	}
	if cfg.Napcat.Port < 1 || cfg.Napcat.Port > 65535 {
		add(fmt.Errorf("napcat.port: %d out of range", cfg.Napcat.Port))
	}
	if cfg.Napcat.RatePerSec < 0 {
		add(errors.New("napcat.rate_per_sec must be >= 0"))
	}
	rt.Napcat = NapcatRuntime{
		BaseURL:     "http://" + net.JoinHostPort(addr, strconv.Itoa(cfg.Napcat.Port)),
		AccessToken: strings.TrimSpace(cfg.Napcat.AccessToken),
		Timeout:     dur("napcat.timeout", cfg.Napcat.Timeout),
		RatePerSec:  cfg.Napcat.RatePerSec,
	}

	// schedule
	s := ScheduleRuntime{
		MinInterval:       dur("schedule.min_interval", cfg.Schedule.MinInterval),
		MaxInterval:       dur("schedule.max_interval", cfg.Schedule.MaxInterval),
		PollInterval:      dur("schedule.poll_interval", cfg.Schedule.PollInterval),
		DiscoveryInterval: dur("schedule.discovery_interval", cfg.Schedule.DiscoveryInterval),
		RunTimeout:        dur("schedule.run_timeout", cfg.Schedule.RunTimeout),
	}
	switch {
	case s.MinInterval <= 0:
		add(errors.New("schedule.min_interval must be > 0"))
	case s.MaxInterval < s.MinInterval:
		add(fmt.Errorf("schedule.max_interval (%s) must be >= min_interval (%s)", s.MaxInterval, s.MinInterval))
	}
	if s.PollInterval <= 0 {
		add(errors.New("schedule.poll_interval must be > 0"))
	} else if s.MinInterval > 0 && s.PollInterval > s.MinInterval {
		add(fmt.Errorf("schedule.poll_interval (%s) must be <= min_interval (%s)", s.PollInterval, s.MinInterval))
	}
	if s.DiscoveryInterval <= 0 {
		add(errors.New("schedule.discovery_interval must be > 0"))
	}
	if s.RunTimeout <= 0 {
		add(errors.New("schedule.run_timeout must be > 0"))
	}
	rt.Schedule = s

	// selection
	if l := cfg.Selection.LambdaParam; !(l > 0) || math.IsInf(l, 0) {
		add(fmt.Errorf("selection.lambda_param must be a positive number, got %v", l))
	}

	// history
	if cfg.History.PageSize < 1 {
		add(errors.New("history.page_size must be >= 1"))
	}
	if cfg.History.MaxPages < 1 {
		add(errors.New("history.max_pages must be >= 1"))
	}

	// storage
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "file", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q (want file or sqlite)", cfg.Storage.Driver))
	}
	rt.Storage = StorageRuntime{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout),
	}

	if strings.TrimSpace(cfg.Bot.Nickname) == "" && len(cfg.Bot.Aliases) == 0 {
		rt.Warnings = append(rt.Warnings, "bot.nickname and bot.aliases are empty; the login nickname is used")
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rt, nil
}
