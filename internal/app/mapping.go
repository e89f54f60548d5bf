package app

import (
	"fmt"
	"strings"
	"time"

	"helpbutton/internal/config"
	"helpbutton/internal/directory"
	"helpbutton/internal/kiosk"
	"helpbutton/internal/observability/pprof"
	"helpbutton/internal/selftest"
	"helpbutton/internal/storage"
	logx "helpbutton/pkg/logx"
)

func mapPolicy(cfg *config.Config) (kiosk.Policy, error) {
	timeout, err := config.ParseDurationOrDefault("kiosk.request_timeout", cfg.Kiosk.RequestTimeout, 180*time.Second)
	if err != nil {
		return kiosk.Policy{}, err
	}
	extension, err := config.ParseDurationField("kiosk.reply_extension", cfg.Kiosk.ReplyExtension)
	if err != nil {
		return kiosk.Policy{}, err
	}
	longPress, err := config.ParseDurationOrDefault("kiosk.long_press_threshold", cfg.Kiosk.LongPressThreshold, 2*time.Second)
	if err != nil {
		return kiosk.Policy{}, err
	}

	rateLimitTests := true
	if cfg.Kiosk.RateLimitTestSends != nil {
		rateLimitTests = *cfg.Kiosk.RateLimitTestSends
	}

	p := kiosk.Policy{
		RequestTimeout:     timeout,
		ReplyExtension:     extension,
		LongPressThreshold: longPress,
		RateLimitTestSends: rateLimitTests,
	}
	p.Normalize()
	return p, nil
}

func mapPacing(cfg *config.Config) (kiosk.Pacing, error) {
	interval, err := config.ParseDurationOrDefault("slack.poll_interval", cfg.Slack.PollInterval, 3*time.Second)
	if err != nil {
		return kiosk.Pacing{}, err
	}
	timeout, err := config.ParseDurationOrDefault("slack.poll_timeout", cfg.Slack.PollTimeout, 10*time.Second)
	if err != nil {
		return kiosk.Pacing{}, err
	}
	return kiosk.Pacing{PollInterval: interval, PollTimeout: timeout}, nil
}

func mapDevices(cfg *config.Config) ([]directory.Device, error) {
	devices := make([]directory.Device, 0, len(cfg.Directory.Devices))
	for i, dc := range cfg.Directory.Devices {
		if strings.TrimSpace(dc.ID) == "" {
			return nil, fmt.Errorf("directory.devices[%d].id is required", i)
		}
		cooldown, err := config.ParseDurationOrDefault(
			fmt.Sprintf("directory.devices[%d].cooldown", i), dc.Cooldown, 60*time.Second)
		if err != nil {
			return nil, err
		}
		devices = append(devices, directory.Device{
			ID:       dc.ID,
			Location: dc.Location,
			Message:  dc.Message,
			Cooldown: cooldown,
			Channel:  dc.Channel,
		})
	}
	return devices, nil
}

func mapRefreshInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("directory.refresh_interval", cfg.Directory.RefreshInterval, 5*time.Minute)
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Slack: logx.SlackConfig{
			Enabled:    cfg.Logging.Slack.Enabled,
			MinLevel:   cfg.Logging.Slack.MinLevel,
			RatePerSec: cfg.Logging.Slack.RatePerSec,
		},
	}
}

func mapSelfTest(cfg *config.Config) selftest.Config {
	if cfg.SelfTest == nil {
		return selftest.Config{}
	}
	return selftest.Config{
		Enabled:  cfg.SelfTest.Enabled,
		Schedule: cfg.SelfTest.Schedule,
		Timezone: cfg.SelfTest.Timezone,
	}
}

// mapStorageConfig returns (cfg, enabled, err).
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapPprof(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}
