package storage

import (
	"bytes"
	"crypto/sha1"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/jayian1890/dhthunter/core/common"
)

const indexFileName = "index"

// Config holds metadata store configuration
type Config struct {
	BaseDir       string `json:"metadata_base_dir"`
	ShardingLevel int    `json:"sharding_level"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		BaseDir:       "./metadata",
		ShardingLevel: 2,
	}
}

// Store is a sharded, content-addressed, file-backed metadata store keyed by
// infohash. A coarse mutex serializes writers; the index file is the
// authoritative record count and is rewritten atomically on change.
type Store struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	hashes map[common.InfoHash]struct{}
	filter *bloom.BloomFilter
}

// Open creates the base directory if needed and loads the index.
func Open(config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.ShardingLevel < 1 {
		config.ShardingLevel = 1
	}
	if config.ShardingLevel > 4 {
		config.ShardingLevel = 4
	}
	if err := os.MkdirAll(config.BaseDir, 0o755); err != nil {
		return nil, common.WrapError(common.ErrCodeIO, "create base dir", err)
	}

	s := &Store{
		config: config,
		logger: logger.With("component", "storage"),
		hashes: make(map[common.InfoHash]struct{}),
		filter: bloom.NewWithEstimates(1_000_000, 0.001),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put persists metadata at most once. Re-putting identical bytes is a no-op;
// different bytes under the same key is a conflict. The payload's SHA-1 must
// equal the key.
func (s *Store) Put(h common.InfoHash, data []byte) error {
	if common.InfoHash(sha1.Sum(data)) != h {
		return common.NewError(common.ErrCodeInvalidMetadata, "payload hash does not match key").
			WithContext("infohash", h.Hex())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hashes[h]; ok {
		existing, err := os.ReadFile(s.path(h))
		if err != nil {
			return common.WrapError(common.ErrCodeCorrupt, "read existing record", err)
		}
		if bytes.Equal(existing, data) {
			return nil
		}
		return common.NewError(common.ErrCodeConflictingContent, "different content for stored infohash").
			WithContext("infohash", h.Hex())
	}

	path := s.path(h)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return common.WrapError(common.ErrCodeIO, "create shard dir", err)
	}

	tmp, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return common.WrapError(common.ErrCodeIO, "create temp", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return common.WrapError(common.ErrCodeIO, "write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return common.WrapError(common.ErrCodeIO, "sync temp", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return common.WrapError(common.ErrCodeIO, "close temp", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return common.WrapError(common.ErrCodeIO, "rename", err)
	}

	s.hashes[h] = struct{}{}
	s.filter.Add(h[:])
	if err := s.writeIndex(); err != nil {
		return err
	}
	s.logger.Debug("metadata stored", "infohash", h.Hex(), "size", len(data))
	return nil
}

// Get returns the stored payload after re-verifying its SHA-1 against the
// key. A mismatching record is quarantined to a sibling .bad path.
func (s *Store) Get(h common.InfoHash) ([]byte, error) {
	if !s.filter.Test(h[:]) {
		return nil, common.NewError(common.ErrCodeNotFound, "no record").WithContext("infohash", h.Hex())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hashes[h]; !ok {
		return nil, common.NewError(common.ErrCodeNotFound, "no record").WithContext("infohash", h.Hex())
	}
	path := s.path(h)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeIO, "read record", err)
	}
	if common.InfoHash(sha1.Sum(data)) != h {
		s.quarantineLocked(h, path)
		return nil, common.NewError(common.ErrCodeCorrupt, "stored payload fails hash check").
			WithContext("infohash", h.Hex())
	}
	return data, nil
}

// Exists reports whether a record is stored.
func (s *Store) Exists(h common.InfoHash) bool {
	if !s.filter.Test(h[:]) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[h]
	return ok
}

// Remove deletes a record. Returns whether one existed.
func (s *Store) Remove(h common.InfoHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[h]; !ok {
		return false
	}
	os.Remove(s.path(h))
	delete(s.hashes, h)
	if err := s.writeIndex(); err != nil {
		s.logger.Error("index rewrite failed", "err", err)
	}
	return true
}

// Count returns the number of indexed records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hashes)
}

// quarantineLocked moves a corrupt record aside and drops it from the index.
func (s *Store) quarantineLocked(h common.InfoHash, path string) {
	bad := strings.TrimSuffix(path, ".meta") + ".bad"
	if err := os.Rename(path, bad); err != nil {
		s.logger.Error("quarantine failed", "infohash", h.Hex(), "err", err)
	} else {
		s.logger.Warn("corrupt record quarantined", "infohash", h.Hex(), "path", bad)
	}
	delete(s.hashes, h)
	if err := s.writeIndex(); err != nil {
		s.logger.Error("index rewrite failed", "err", err)
	}
}

// path shards the hex infohash into ShardingLevel directory levels of two
// hex digits each: base/aa/bb/<hex>.meta.
func (s *Store) path(h common.InfoHash) string {
	hx := h.Hex()
	parts := make([]string, 0, s.config.ShardingLevel+2)
	parts = append(parts, s.config.BaseDir)
	for i := 0; i < s.config.ShardingLevel; i++ {
		parts = append(parts, hx[i*2:i*2+2])
	}
	parts = append(parts, hx+".meta")
	return filepath.Join(parts...)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.config.BaseDir, indexFileName)
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return common.WrapError(common.ErrCodeIO, "read index", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		h, err := common.InfoHashFromHex(line)
		if err != nil {
			s.logger.Warn("skipping bad index line", "line", line)
			continue
		}
		s.hashes[h] = struct{}{}
		s.filter.Add(h[:])
	}
	return nil
}

// writeIndex rewrites the index atomically. Caller holds the lock.
func (s *Store) writeIndex() error {
	lines := make([]string, 0, len(s.hashes))
	for h := range s.hashes {
		lines = append(lines, h.Hex())
	}
	sort.Strings(lines)
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return common.WrapError(common.ErrCodeIO, "write index", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return common.WrapError(common.ErrCodeIO, "rename index", err)
	}
	return nil
}
