package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "helpbutton/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// If enabled, the first non-nil error from any goroutine will cancel the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in %s: %v", name, r)
				if !s.log.IsZero() {
					s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
				s.setErr(err)
				if s.cancelOnErr {
					s.cancel()
				}
			}
		}()

		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			err2 := fmt.Errorf("%s: %w", name, err)
			s.setErr(err2)
			if s.cancelOnErr {
				s.cancel()
			}
		}
		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	fatalOnFinalErr bool
	publishFirstErr bool
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts (errors/panics) before giving up.
// The initial run is not counted as a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithFatalOnFinalError makes GoRestart set supervisor Err and optionally cancel the supervisor
// if it gives up after exhausting restarts.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnFinalErr = enabled }
}

// WithPublishFirstError makes GoRestart set supervisor Err on the first observed error/panic
// while still auto-restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit makes GoRestart stop (not restart) if fn returns nil.
// Default is true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error/panic using exponential backoff until ctx is canceled.
//
// This is intended for long-running loops (pollers, watchers, consumers) where transient failures
// should self-heal without bringing down the whole process.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		maxRestarts:     0,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.minBackoff <= 0 {
		cfg.minBackoff = 250 * time.Millisecond
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return
			}

			startedAt := time.Now()

			// Run fn with panic capture.
			err, pan, stack := func() (err error, pan any, stack string) {
				defer func() {
					if r := recover(); r != nil {
						pan = r
						stack = string(debug.Stack())
					}
				}()
				err = fn(ctx)
				return
			}()

			if pan != nil {
				if !s.log.IsZero() {
					s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.String("stack", stack))
				}
				err = fmt.Errorf("panic: %v", pan)
			}

			// If cancellation is requested (shutdown/drain), treat the run as a clean stop.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}

			err2 := fmt.Errorf("%s: %w", name, err)
			if cfg.publishFirstErr {
				s.setErr(err2)
			}

			restarts++
			// If the loop ran for a while before failing, reset backoff so rare failures
			// don't cause long restart delays.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				if !s.log.IsZero() {
					s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Any("err", err))
				}
				if cfg.fatalOnFinalErr {
					s.setErr(err2)
					if s.cancelOnErr {
						s.cancel()
					}
				}
				return
			}

			// Jittered exponential backoff.
			wait := backoff
			if wait > cfg.maxBackoff {
				wait = cfg.maxBackoff
			}
			j := time.Duration(int64(wait) / 5)
			if j > 0 {
				wait += time.Duration(time.Now().UnixNano() % int64(j+1))
			}
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Any("err", err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
