package app

import (
	"strings"
	"time"

	"tzbot/internal/config"
	"tzbot/internal/storage"
	"tzbot/internal/task/scheduler"
	logx "tzbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.sweep_timeout", cfg.Scheduler.SweepTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled && cfg.Fleet.Role == config.RoleCoordinator,
		Spec:         cfg.Scheduler.Spec,
		Timezone:     cfg.Scheduler.Timezone,
		AllowOverlap: cfg.Scheduler.AllowOverlap,
		SweepTimeout: timeout,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Mirror: logx.MirrorConfig{
			Enabled:    l.Mirror.Enabled,
			ChannelID:  strings.TrimSpace(cfg.Discord.LogChannelID),
			MinLevel:   l.Mirror.MinLevel,
			RatePerSec: l.Mirror.RatePerSec,
		},
	}
}

type fleetTimeouts struct {
	fanout  time.Duration
	request time.Duration
}

func mapFleetTimeouts(cfg *config.Config) (fleetTimeouts, error) {
	fan, err := config.ParseDurationOrDefault("fleet.fanout_timeout", cfg.Fleet.FanoutTimeout, config.DefaultFanoutTimeout)
	if err != nil {
		return fleetTimeouts{}, err
	}
	req, err := config.ParseDurationOrDefault("fleet.request_timeout", cfg.Fleet.RequestTimeout, config.DefaultRequestTimeout)
	if err != nil {
		return fleetTimeouts{}, err
	}
	return fleetTimeouts{fanout: fan, request: req}, nil
}

// validate is the reload gate: the static checks plus anything only the
// owning packages can parse.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := scheduler.ParseHourly(cfg.Scheduler.Spec); err != nil {
		return err
	}
	_, err := mapFleetTimeouts(cfg)
	return err
}
