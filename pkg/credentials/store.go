package credentials

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store persists the token pair.
type Store interface {
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, t Tokens) error
}

// FileStore keeps tokens in a YAML file readable only by the owner.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns empty tokens when the file does not exist yet.
func (s *FileStore) Load(_ context.Context) (Tokens, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Tokens{}, nil
		}
		return Tokens{}, errors.Wrapf(err, "read credentials %s", s.path)
	}
	var t Tokens
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Tokens{}, errors.Wrapf(err, "parse credentials %s", s.path)
	}
	return t, nil
}

func (s *FileStore) Save(_ context.Context, t Tokens) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create credentials dir")
	}
	b, err := yaml.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "write credentials")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace credentials")
}

// MemoryStore is a Store for tests and one-shot tokens.
type MemoryStore struct {
	mu     sync.Mutex
	tokens Tokens
	saves  int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(t Tokens) *MemoryStore {
	return &MemoryStore{tokens: t}
}

func (s *MemoryStore) Load(context.Context) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens, nil
}

func (s *MemoryStore) Save(_ context.Context, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = t
	s.saves++
	return nil
}

func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
