package config

import (
	"reflect"
	"strings"

	logx "duoshe/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. The access token is never included, only whether it is
// set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Napcat, newCfg.Napcat
	tokenSet := func(c NapcatConfig) bool { return strings.TrimSpace(c.AccessToken) != "" }
	if o.Address != n.Address || o.Port != n.Port || o.Timeout != n.Timeout ||
		o.RatePerSec != n.RatePerSec || o.AccessToken != n.AccessToken {
		changed = append(changed, "napcat")
		attrs = append(attrs,
			logx.String("napcat.address", n.Address),
			logx.Int("napcat.port", n.Port),
			logx.Bool("napcat.token_set", tokenSet(n)),
			logx.Bool("napcat.token_changed", o.AccessToken != n.AccessToken),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bot, newCfg.Bot) {
		changed = append(changed, "bot")
		attrs = append(attrs,
			logx.String("bot.nickname", newCfg.Bot.Nickname),
			logx.Int("bot.alias_count", len(newCfg.Bot.Aliases)),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.min_interval", newCfg.Schedule.MinInterval),
			logx.String("schedule.max_interval", newCfg.Schedule.MaxInterval),
			logx.String("schedule.poll_interval", newCfg.Schedule.PollInterval),
		)
	}

	if oldCfg.Selection != newCfg.Selection {
		changed = append(changed, "selection")
		attrs = append(attrs, logx.Float64("selection.lambda_param", newCfg.Selection.LambdaParam))
	}

	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.Strings("history.command_prefixes", newCfg.History.CommandPrefixes),
			logx.Int("history.page_size", newCfg.History.PageSize),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	return changed, attrs
}

// RestartRequired returns the sections in changed that only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
