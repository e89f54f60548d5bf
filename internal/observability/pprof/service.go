// Package pprof serves the runtime profiling endpoints, optionally guarded by
// a bearer token.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback bind requires a token or an explicit AllowInsecure.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "helpbutton/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

type Service struct {
	log logx.Logger

	mu     sync.Mutex
	cfg    Config
	server *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, cfg: cfg}
}

// Reconfigure applies cfg, starting, stopping, or restarting the server as
// needed. Safe to call from the hot-reload path.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.server != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			_ = s.Stop(ctx)
		}
	case !running:
		s.start()
	case prev != cfg:
		_ = s.Stop(ctx)
		s.start()
	}
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	enabled := s.cfg.Enabled
	running := s.server != nil
	s.mu.Unlock()
	if !enabled || running {
		return nil
	}
	s.start()
	return nil
}

func (s *Service) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return
	}
	cfg := s.cfg

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr),
		)
		return
	}

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withToken(cfg.Token, h) }
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv

	go func() {
		s.log.Info("pprof listening",
			logx.String("addr", addr),
			logx.Bool("token_set", cfg.Token != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server stopped", logx.Err(err))
		}
	}()
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		if r.URL.Query().Get("token") == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
