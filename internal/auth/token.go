package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexahse.org/internal/ids"
)

// TokenStore persists this device's opaque claim to the session row. The
// token is stored under one fixed key regardless of which identity signs in
// on the device; it is cleared only on explicit sign-out.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// NewDeviceToken generates an opaque device token: UUID when available, a
// pseudo-random concatenation otherwise.
func NewDeviceToken() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return ids.New() + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// FileTokenStore keeps the token in a single file on disk.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenStore constructs a store backed by path; parent directories are
// created on first save.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("auth: token store path is required")
	}
	return &FileTokenStore{path: path}, nil
}

func (s *FileTokenStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileTokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(token+"\n"), 0o600)
}

func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryTokenStore keeps the token in memory; used in tests and ephemeral
// deployments.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

func NewMemoryTokenStore() *MemoryTokenStore { return &MemoryTokenStore{} }

func (s *MemoryTokenStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryTokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}
