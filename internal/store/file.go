package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendance-agent/internal/logger"
	"attendance-agent/internal/model"
)

const (
	queueFileName = "offline_queue.json"
	sentDirName   = "sent"
)

// fileQueueStore keeps the whole queue as one JSON array. Every change rewrites the
// file through a temp file and rename, so a crash leaves either the old or the new list.
type fileQueueStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileQueueStore stores the queue in <dataDir>/offline_queue.json.
func NewFileQueueStore(dataDir string, log *zap.Logger) QueueStore {
	return &fileQueueStore{path: filepath.Join(dataDir, queueFileName), logger: logger.OrNop(log)}
}

func (s *fileQueueStore) Append(ctx context.Context, entry model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	return s.write(append(entries, entry))
}

func (s *fileQueueStore) List(ctx context.Context) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *fileQueueStore) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := entries[:0]
	for _, e := range entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	return s.write(kept)
}

// load reads the queue file. A missing file is an empty queue. Entries written without a
// queue_id (plain record arrays) are given one and the file is rewritten.
func (s *fileQueueStore) load() ([]model.QueueEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.QueueEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	if len(data) == 0 {
		return []model.QueueEntry{}, nil
	}

	var entries []model.QueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		s.logger.Sugar().Errorw("queue file unreadable, moving it aside", "path", s.path, "moved_to", aside, "error", err)
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return nil, fmt.Errorf("failed to decode queue file: %w", err)
		}
		return []model.QueueEntry{}, nil
	}

	assigned := false
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
			assigned = true
		}
	}
	if assigned {
		if err := s.write(entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *fileQueueStore) write(entries []model.QueueEntry) error {
	if entries == nil {
		entries = []model.QueueEntry{}
	}
	return writeJSONAtomic(s.path, entries)
}

// fileSentStore keeps one JSON file of [label, course, schedule] triples per day.
type fileSentStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileSentStore stores sent sets under <dataDir>/sent/sent_<day>.json and the window
// each set belongs to in sent_<day>.window.
func NewFileSentStore(dataDir string) SentStore {
	return &fileSentStore{dir: filepath.Join(dataDir, sentDirName)}
}

func (s *fileSentStore) path(day string) string {
	return filepath.Join(s.dir, "sent_"+day+".json")
}

func (s *fileSentStore) Load(ctx context.Context, day string) ([]model.SentKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(day))
	if errors.Is(err, os.ErrNotExist) {
		return []model.SentKey{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sent records for %s: %w", day, err)
	}
	var keys []model.SentKey
	if len(data) > 0 {
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("failed to decode sent records for %s: %w", day, err)
		}
	}
	if keys == nil {
		keys = []model.SentKey{}
	}
	return keys, nil
}

func (s *fileSentStore) Save(ctx context.Context, day string, keys []model.SentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys == nil {
		keys = []model.SentKey{}
	}
	return writeJSONAtomic(s.path(day), keys)
}

func (s *fileSentStore) windowPath(day string) string {
	return filepath.Join(s.dir, "sent_"+day+".window")
}

func (s *fileSentStore) Window(ctx context.Context, day string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.windowPath(day))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sent window for %s: %w", day, err)
	}
	var window string
	if err := json.Unmarshal(data, &window); err != nil {
		return "", fmt.Errorf("failed to decode sent window for %s: %w", day, err)
	}
	return window, nil
}

func (s *fileSentStore) SetWindow(ctx context.Context, day, window string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.windowPath(day), window)
}

// writeJSONAtomic encodes v next to path and renames it into place.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
