package frank

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"franklab/internal/types"
)

// persistedTool is the on-disk JSON shape of one dynamic tool.
type persistedTool struct {
	Info   types.ToolInfo `json:"info"`
	Source string         `json:"source"`
}

// toolStore persists dynamic tools as one JSON file per tool and hot-reloads
// external edits via fsnotify, so tools survive Frank restarts and can be
// patched on disk while Frank runs.
type toolStore struct {
	dir string
	log *zap.Logger

	mu sync.Mutex
	// selfWrites suppresses reload storms from our own saves.
	selfWrites map[string]time.Time
}

func newToolStore(dir string, log *zap.Logger) (*toolStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tool store dir: %w", err)
	}
	return &toolStore{
		dir:        dir,
		log:        log.Named("toolstore"),
		selfWrites: make(map[string]time.Time),
	}, nil
}

func (s *toolStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes one tool atomically (write-then-rename).
func (s *toolStore) Save(tool *DynamicTool) error {
	data, err := json.MarshalIndent(persistedTool{Info: tool.Info, Source: tool.Source}, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(tool.Info.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	s.mu.Lock()
	s.selfWrites[path] = time.Now()
	s.mu.Unlock()
	return os.Rename(tmp, path)
}

// Remove deletes a tool file. Missing files are fine.
func (s *toolStore) Remove(id string) {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("tool file removal failed", zap.String("id", id), zap.Error(err))
	}
}

// LoadAll replays every persisted tool into the registry. Corrupt files are
// skipped with a warning; recovery is best-effort.
func (s *toolStore) LoadAll(registry *Registry) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("tool store scan failed", zap.Error(err))
		return
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := s.loadFile(registry, filepath.Join(s.dir, entry.Name())); err != nil {
			s.log.Warn("skipping unreadable tool file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		loaded++
	}
	if loaded > 0 {
		s.log.Info("restored persisted tools", zap.Int("count", loaded))
	}
}

func (s *toolStore) loadFile(registry *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var record persistedTool
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}
	if record.Info.ID == "" || record.Info.Name == "" {
		return fmt.Errorf("tool file missing id or name")
	}
	return registry.restore(record)
}

// Watch hot-reloads tool files changed outside the process until ctx ends.
func (s *toolStore) Watch(ctx context.Context, registry *Registry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting tool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if s.isSelfWrite(event.Name) {
				continue
			}
			if err := s.loadFile(registry, event.Name); err != nil {
				s.log.Warn("hot reload failed", zap.String("file", event.Name), zap.Error(err))
				continue
			}
			s.log.Info("hot reloaded tool", zap.String("file", filepath.Base(event.Name)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("tool watcher error", zap.Error(err))
		}
	}
}

func (s *toolStore) isSelfWrite(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.selfWrites[path]
	if ok && time.Since(at) < 2*time.Second {
		return true
	}
	delete(s.selfWrites, path)
	return false
}
