package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

const defaultDebounce = 100 * time.Millisecond

// FileSource implements domain.ConfigSource on top of a YAML file. The file
// holds governance keys either flat ("servicecomb.bulkhead.b1: |") or nested
// ("servicecomb: {bulkhead: {b1: ...}}"). Policy bodies may be YAML block
// strings or inline mappings.
type FileSource struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.RWMutex
	values map[string]string
	listeners

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// FileSourceOption customises a FileSource.
type FileSourceOption func(*FileSource)

// WithDebounce overrides the reload debounce interval.
func WithDebounce(d time.Duration) FileSourceOption {
	return func(s *FileSource) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// NewFileSource loads path and starts watching its directory for changes.
func NewFileSource(path string, logger *slog.Logger, opts ...FileSourceOption) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	s := &FileSource{
		path:     absPath,
		logger:   logger.With("component", "file_source", "path", absPath),
		debounce: defaultDebounce,
		values:   map[string]string{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if values, err := readRules(absPath); err != nil {
		// A missing file starts empty but is still watched.
		s.logger.Warn("initial governance rules load failed", "error", err)
	} else {
		s.values = values
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	s.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.watchLoop(ctx)

	return s, nil
}

// Property implements domain.ConfigSource.
func (s *FileSource) Property(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Properties implements domain.ConfigSource.
func (s *FileSource) Properties() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Subscribe implements domain.ConfigSource.
func (s *FileSource) Subscribe(listener domain.ChangeListener) {
	s.add(listener)
}

// Reload re-reads the file and publishes the changed keys.
func (s *FileSource) Reload() error {
	next, err := readRules(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := diffKeys(s.values, next)
	s.values = next
	s.mu.Unlock()

	if len(changed) > 0 {
		s.logger.Info("governance rules reloaded", "changed_keys", len(changed))
	}
	s.notify(changed)
	return nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (s *FileSource) Close() error {
	s.cancel()
	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *FileSource) watchLoop(ctx context.Context) {
	defer close(s.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// Editors often replace the file, so watch the directory and filter.
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(s.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := s.Reload(); err != nil {
						s.logger.Error("failed to reload governance rules", "error", err)
					}
				})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("watcher error", "error", err)
		}
	}
}

// readRules reads a rules file into flat keys. A missing file yields an
// empty key set so that deleting the file clears every rule.
func readRules(path string) (map[string]string, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules flattens a rules document into governance keys.
func ParseRules(data []byte) (map[string]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	out := map[string]string{}
	if len(root.Content) == 0 {
		return out, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("rules file must be a mapping")
	}
	if err := flatten("", doc, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, node *yaml.Node, out map[string]string) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		value := node.Content[i+1]
		if value.Kind == yaml.AliasNode {
			value = value.Alias
		}

		switch {
		case value.Kind == yaml.ScalarNode:
			out[key] = value.Value
		case isPolicyKey(key):
			body, err := yaml.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			out[key] = string(body)
		case value.Kind == yaml.MappingNode:
			if err := flatten(key, value, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported value for %s", key)
		}
	}
	return nil
}

// isPolicyKey reports whether key names a whole policy document,
// servicecomb.<kind>.<name>.
func isPolicyKey(key string) bool {
	for _, kind := range policy.Kinds() {
		prefix := kind.KeyPrefix()
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}
