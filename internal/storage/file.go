package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "helpbutton/pkg/logx"
)

// maxAuditBytes bounds the live audit file. When it fills up, it is rotated
// once to <path>.1 (overwriting the previous rotation), so disk use on the
// kiosk stays bounded at roughly twice this size.
const maxAuditBytes = 8 << 20

// fileStore appends JSON Lines to <path>.audit.jsonl.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	auditPath := filepath.Join(dir, base) + ".audit.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	size := int64(0)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}

	return &fileStore{log: log, path: auditPath, f: f, size: size}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendInteraction(ctx context.Context, e InteractionEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit file closed")
	}
	if s.size+int64(len(b)) > maxAuditBytes {
		if err := s.rotateLocked(); err != nil {
			s.log.Warn("audit rotation failed", logx.Err(err))
		}
	}
	n, err := s.f.Write(b)
	s.size += int64(n)
	return err
}

func (s *fileStore) rotateLocked() error {
	_ = s.f.Close()
	s.f = nil
	renameErr := os.Rename(s.path, s.path+".1")

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	s.size = 0
	if fi, err := f.Stat(); err == nil {
		s.size = fi.Size()
	}
	if renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
		return renameErr
	}
	return nil
}
