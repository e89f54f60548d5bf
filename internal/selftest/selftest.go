// Package selftest periodically exercises the diagnostic send path on a
// schedule, so a silent kiosk is noticed before someone needs the button.
package selftest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"helpbutton/internal/eventbus"
	"helpbutton/internal/kiosk"
	logx "helpbutton/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Runner is the slice of the kiosk service the scheduler needs.
type Runner interface {
	TriggerTest(ctx context.Context, deviceID string) (kiosk.Result, error)
}

// cronParser accepts standard 5-field specs plus descriptors like @daily and
// @every.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks a schedule and timezone without starting anything. Used by
// the config validator.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("selftest schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("selftest timezone %q: %w", cfg.Timezone, err)
		}
	}
	return nil
}

type Service struct {
	log      logx.Logger
	runner   Runner
	bus      eventbus.Bus
	deviceID string

	mu   sync.Mutex
	cron *cron.Cron
}

func New(runner Runner, bus eventbus.Bus, deviceID string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, runner: runner, bus: bus, deviceID: deviceID}
}

// Apply reconfigures the schedule. A disabled config stops the scheduler;
// an enabled one replaces it.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	if !cfg.Enabled {
		return nil
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	loc := time.Local
	if cfg.Timezone != "" {
		// Already validated above.
		loc, _ = time.LoadLocation(cfg.Timezone)
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	if _, err := c.AddFunc(cfg.Schedule, s.runOnce); err != nil {
		return fmt.Errorf("selftest schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("selftest scheduled",
		logx.String("schedule", cfg.Schedule),
		logx.String("timezone", loc.String()),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.runner.TriggerTest(ctx, s.deviceID)
	if err != nil {
		s.log.Error("selftest send failed", logx.String("device", s.deviceID), logx.Err(err))
	} else {
		s.log.Info("selftest sent",
			logx.String("device", s.deviceID),
			logx.String("status", string(result.Status)),
		)
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSelfTestRun,
		Data: kiosk.EventData{DeviceID: s.deviceID, Test: true, Text: string(result.Status)},
	})
}
