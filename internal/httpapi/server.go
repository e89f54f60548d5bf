// Package httpapi is the local HTTP surface the touchscreen frontend talks
// to: it reports presses and reads the current interaction state.
//
// The API is unauthenticated; bind it to loopback.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"helpbutton/internal/kiosk"
	"helpbutton/internal/ledger"
	logx "helpbutton/pkg/logx"
)

const defaultAddr = "127.0.0.1:8095"

type Config struct {
	Addr string
}

type Service struct {
	log   logx.Logger
	kiosk *kiosk.Service
	addr  string

	mu     sync.Mutex
	server *http.Server
}

func New(cfg Config, ks *kiosk.Service, log logx.Logger) *Service {
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, kiosk: ks, addr: addr}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/press", s.handlePress)
	mux.HandleFunc("POST /v1/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/state", s.handleState)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv

	go func() {
		s.log.Info("http api listening", logx.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped", logx.Err(err))
		}
	}()
	return nil
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

type pressRequest struct {
	DeviceID   string `json:"device_id"`
	DurationMS int64  `json:"duration_ms"`
}

type pressResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	RetryInMS int64  `json:"retry_in_ms,omitempty"`
	Test      bool   `json:"test,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) handlePress(w http.ResponseWriter, r *http.Request) {
	var req pressRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, pressResponse{Error: "invalid body"})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, pressResponse{Error: "device_id is required"})
		return
	}

	held := time.Duration(req.DurationMS) * time.Millisecond
	result, err := s.kiosk.Trigger(r.Context(), req.DeviceID, held)

	resp := pressResponse{
		Status:    string(result.Status),
		RequestID: result.RequestID,
		RetryInMS: result.RetryIn.Milliseconds(),
		Test:      result.Test,
	}
	code := http.StatusOK
	switch result.Status {
	case kiosk.StatusUnknownDevice:
		code = http.StatusNotFound
	case kiosk.StatusRateLimited:
		code = http.StatusTooManyRequests
	case kiosk.StatusBusy:
		code = http.StatusConflict
	case kiosk.StatusSendFailed:
		code = http.StatusBadGateway
	}
	if err != nil && resp.Error == "" {
		resp.Error = err.Error()
		if code == http.StatusOK {
			code = http.StatusInternalServerError
		}
	}
	writeJSON(w, code, resp)
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request_id is required"})
		return
	}
	ok, err := s.kiosk.Cancel(r.Context(), req.RequestID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such pending request"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type stateReply struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

type stateRequest struct {
	RequestID   string      `json:"request_id"`
	DeviceID    string      `json:"device_id"`
	State       string      `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	Deadline    time.Time   `json:"deadline"`
	RemainingMS int64       `json:"remaining_ms"`
	LastReply   *stateReply `json:"last_reply,omitempty"`
}

type stateResponse struct {
	Pending []stateRequest `json:"pending"`
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	pending := s.kiosk.Snapshot()

	resp := stateResponse{Pending: make([]stateRequest, 0, len(pending))}
	for _, req := range pending {
		sr := stateRequest{
			RequestID:   req.ID,
			DeviceID:    req.DeviceID,
			State:       string(req.State),
			CreatedAt:   req.CreatedAt,
			Deadline:    req.Deadline,
			RemainingMS: remainingMS(req, now),
		}
		if req.LastReply != nil {
			sr.LastReply = &stateReply{Author: req.LastReply.Author, Text: req.LastReply.Text}
		}
		resp.Pending = append(resp.Pending, sr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func remainingMS(req ledger.Request, now time.Time) int64 {
	remaining := req.Deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Milliseconds()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
