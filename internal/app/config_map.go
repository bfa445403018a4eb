package app

import (
	"duoshe/internal/config"
	"duoshe/internal/napcat"
	"duoshe/internal/scheduler"
	"duoshe/internal/storage"
)

func mapStorageConfig(rt *config.Runtime) storage.Config {
	return storage.Config{
		Driver:      rt.Storage.Driver,
		Path:        rt.Storage.Path,
		BusyTimeout: rt.Storage.BusyTimeout,
	}
}

func mapNapcatConfig(rt *config.Runtime) napcat.Config {
	return napcat.Config{
		BaseURL:         rt.Napcat.BaseURL,
		AccessToken:     rt.Napcat.AccessToken,
		Timeout:         rt.Napcat.Timeout,
		RatePerSec:      rt.Napcat.RatePerSec,
		SelfID:          rt.Bot.SelfID,
		CommandPrefixes: rt.History.CommandPrefixes,
		PageSize:        rt.History.PageSize,
		MaxPages:        rt.History.MaxPages,
	}
}

func mapSchedulerConfig(rt *config.Runtime) scheduler.Config {
	return scheduler.Config{
		MinInterval:       rt.Schedule.MinInterval,
		MaxInterval:       rt.Schedule.MaxInterval,
		PollInterval:      rt.Schedule.PollInterval,
		DiscoveryInterval: rt.Schedule.DiscoveryInterval,
		RunTimeout:        rt.Schedule.RunTimeout,
	}
}
