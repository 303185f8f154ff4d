// Package configsvc watches configuration files and notifies registered
// clients when they change. Documents are JSON; YAML is tolerated because
// decoding goes through a YAML-to-JSON bridge.
package configsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type subscriber func(event fsnotify.Event)

// Service owns one fsnotify watcher shared by all registered files.
type Service struct {
	log *zap.Logger

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	subscribers []subscriber
	ready       chan struct{}
}

func New(log *zap.Logger) *Service {
	return &Service{
		log:   log,
		ready: make(chan struct{}),
	}
}

// Start runs the watcher loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	defer s.watcher.Close()
	close(s.ready)
	s.log.Info("config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			for _, sub := range s.subscribers {
				sub(event)
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("watcher error", zap.Error(err))
		}
	}
}

// Ready is closed once the watcher accepts registrations.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Register reads the configuration at path, watches it for changes, and calls
// fn with every re-parsed document. It returns the initial configuration.
// The Service is a parameter rather than the receiver to allow the generic
// type parameter.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("resolving %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	if err != nil {
		return def, err
	}

	// Watch the directory, not the file: editors replace files on save and a
	// file watch dies with the old inode.
	if err := s.watcher.Add(filepath.Dir(absPath)); err != nil {
		return def, fmt.Errorf("watching %s: %w", path, err)
	}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, func(event fsnotify.Event) {
		if event.Name == absPath && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
			fn(readConfig(absPath, def))
		}
	})
	s.mu.Unlock()

	return config, nil
}

func readConfig[T any](path string, def T) (T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("reading config file: %w", err)
	}
	jsonB, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return def, fmt.Errorf("parsing config file: %w", err)
	}
	if err := json.Unmarshal(jsonB, &def); err != nil {
		return def, fmt.Errorf("decoding config file: %w", err)
	}
	return def, nil
}
