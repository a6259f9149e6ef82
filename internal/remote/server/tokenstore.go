package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// rawTokenPrefix marks device tokens so they are recognisable in configs and logs.
const rawTokenPrefix = "tsp_"

// FileTokenStore keeps device tokens in a JSON file next to the pod database.
// Only the hash of a token is stored; the raw value is returned once, on creation.
type FileTokenStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	byHash map[string]*TokenInfo
}

// NewFileTokenStore returns an empty store persisted at path. Call Load to
// read existing tokens.
func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTokenStore{
		path:   path,
		logger: logger,
		now:    time.Now,
		byHash: make(map[string]*TokenInfo),
	}
}

// Load replaces the in-memory tokens with the content of the file.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var list []*TokenInfo
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse token store %s: %w", s.path, err)
	}

	byHash := make(map[string]*TokenInfo, len(list))
	for _, t := range list {
		byHash[t.TokenHash] = t
	}
	s.mu.Lock()
	s.byHash = byHash
	s.mu.Unlock()

	s.logger.Info("loaded tokens", "count", len(list), "path", s.path)
	return nil
}

func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byHash[hash], nil
}

// UpdateLastUsed stamps the token with the current time and persists it.
// The stored TokenInfo is replaced, never mutated, so callers may keep
// reading what GetByHash returned.
func (s *FileTokenStore) UpdateLastUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(id)
	if t == nil {
		return fmt.Errorf("token '%s' not found", id)
	}
	now := s.now().UTC()
	stamped := *t
	stamped.LastUsedAt = &now
	s.byHash[t.TokenHash] = &stamped
	if err := s.persistLocked(); err != nil {
		s.byHash[t.TokenHash] = t
		return err
	}
	return nil
}

// CreateToken mints a bearer token for a device, scoped to programs.
func (s *FileTokenStore) CreateToken(desc string, programs []string, permission string) (string, *TokenInfo, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := rawTokenPrefix + base64.RawURLEncoding.EncodeToString(secret)

	info := &TokenInfo{
		ID:         strings.ToLower(ulid.Make().String()),
		TokenHash:  HashToken(raw),
		Desc:       desc,
		Programs:   programs,
		Permission: permission,
		CreatedAt:  s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[info.TokenHash] = info
	if err := s.persistLocked(); err != nil {
		delete(s.byHash, info.TokenHash)
		return "", nil, fmt.Errorf("persist token: %w", err)
	}
	return raw, info, nil
}

// ListTokens returns every token, oldest first.
func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(), nil
}

func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(id)
	if t == nil {
		return fmt.Errorf("token '%s' not found", id)
	}
	delete(s.byHash, t.TokenHash)
	if err := s.persistLocked(); err != nil {
		s.byHash[t.TokenHash] = t
		return err
	}
	return nil
}

func (s *FileTokenStore) findLocked(id string) *TokenInfo {
	for _, t := range s.byHash {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Ids are ULIDs, so id order is creation order.
func (s *FileTokenStore) sortedLocked() []*TokenInfo {
	list := make([]*TokenInfo, 0, len(s.byHash))
	for _, t := range s.byHash {
		list = append(list, t)
	}
	slices.SortFunc(list, func(a, b *TokenInfo) int { return strings.Compare(a.ID, b.ID) })
	return list
}

// persistLocked rewrites the file through a temporary sibling so a crash
// never leaves a truncated token list.
func (s *FileTokenStore) persistLocked() error {
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
