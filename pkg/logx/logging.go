package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "helpbutton/internal/transport"
)

// ---- Config ----

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Slack   SlackConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// SlackConfig mirrors warnings and errors into an ops channel so a kiosk in
// the field can report problems without anyone reading its local log file.
type SlackConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// ---- Logger API ----

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel

	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event.
//
// This intentionally mirrors the ergonomics of slog.Attr without depending on slog.
// Use helpers like String(), Int(), Any(), Err(), Duration(), ...
//
// Note: Fields are applied in-order.
// If you set the same key multiple times, later fields win.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a lightweight structured logger.
//
// - If created from Service, it stays "live" across Service.Apply() calls.
// - With() returns a derived logger with additional fixed fields.
// - Zero value is a safe no-op logger.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole creates a standalone console logger (no Service, no fanout).
// Useful for bootstrapping components before the full log service is initialized.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	zl := zerolog.New(cw).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}

	// Caller: keep it short (file:line), avoid noisy function names and full paths.
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}

	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}

	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // stores zerolog.Logger

	file *os.File

	// slack ops-channel mirroring
	sender    kit.Adapter
	opsQueue  chan opsItem
	opsOnce   sync.Once
	opsCancel context.CancelFunc
	opsWG     sync.WaitGroup

	// guarded by mu
	opsChannel string
	limiter    *rate.Limiter
	minLevel   zerolog.Level
}

type opsItem struct {
	to  kit.ChannelTarget
	msg string
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:      cfg,
		sender:   sender,
		opsQueue: make(chan opsItem, 256),
	}

	// Safe bootstrap root.
	boot := newConsoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(boot)

	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	v := s.root.Load()
	if v == nil {
		return zerolog.Nop()
	}
	zl, ok := v.(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetOpsChannel sets the Slack channel the ops sink posts to.
// An empty id disables delivery without touching the rest of the config.
func (s *Service) SetOpsChannel(channelID string) {
	s.mu.Lock()
	s.opsChannel = strings.TrimSpace(channelID)
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.opsCancel
	s.opsCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.opsWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime.
// It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	s.minLevel = parseLevel(cfg.Slack.MinLevel, zerolog.WarnLevel)
	rps := cfg.Slack.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	// Close previous file (if any).
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./kiosk.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.Slack.Enabled {
		// Start worker once.
		s.opsOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.opsCancel = cancel
			s.opsWG.Add(1)
			go func() {
				defer s.opsWG.Done()
				s.opsWorker(ctx)
			}()
		})
		writers = append(writers, &slackWriter{svc: s})
		if s.opsChannel == "" {
			fmt.Fprintln(os.Stderr, "logx: slack logging enabled but slack.ops_channel is not set")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	mw := zerolog.MultiLevelWriter(writers...)
	zl := zerolog.New(mw).Level(lvl).With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	cw := newConsoleWriter(os.Stdout)
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		if s == "" {
			return ""
		}
		return s
	}
	return cw
}

func (s *Service) opsWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.opsQueue:
			if s.sender == nil {
				continue
			}
			_, _ = s.sender.PostMessage(ctx, it.to, it.msg)
		}
	}
}

func (s *Service) enqueueOpsLog(to kit.ChannelTarget, msg string) {
	// Never block core logging.
	select {
	case s.opsQueue <- opsItem{to: to, msg: msg}:
	default:
		// drop
	}
}

// ---- Slack writer (zerolog sink) ----

type slackWriter struct{ svc *Service }

func (w *slackWriter) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *slackWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	channel := s.opsChannel
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if channel == "" || s.sender == nil || lim == nil {
		return len(p), nil
	}
	if level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	msg := formatOpsLine(p)
	if msg == "" {
		return len(p), nil
	}

	s.enqueueOpsLog(kit.ChannelTarget{ChannelID: channel}, msg)
	return len(p), nil
}

func formatOpsLine(p []byte) string {
	// Best-effort decode of a zerolog JSON line.
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		if k == "time" || k == "level" || k == "message" || k == "msg" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}

	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
