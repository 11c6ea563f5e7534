package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileProvider watches a configuration file and fans out reloaded snapshots
// to subscribers. The directory is watched rather than the file itself,
// because editors replace files through temp-file renames.
type FileProvider struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config

	debounce time.Duration
}

// NewFileProvider loads the file once and starts watching it for changes.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:     absPath,
		logger:   logger,
		watcher:  watcher,
		cancel:   cancel,
		current:  cfg,
		debounce: time.Second,
	}
	go p.watchLoop(ctx)
	return p, nil
}

// Current returns the most recently loaded configuration.
func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives each successfully reloaded
// configuration, primed with the current one.
func (p *FileProvider) Subscribe() <-chan *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Config, 1)
	ch <- p.current
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !p.relevant(event) {
				continue
			}
			// Debounce: editors emit several events per save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(p.debounce, p.reload)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *FileProvider) relevant(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Clean(event.Name), filepath.Clean(p.path)) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (p *FileProvider) reload() {
	cfg, err := Load(p.path)
	if err != nil {
		// Keep serving the previous good config.
		p.logger.Warn("config reload failed, keeping previous", "error", err)
		return
	}

	p.mu.Lock()
	p.current = cfg
	subs := make([]chan *Config, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Subscriber is behind; it will pick up the next reload.
		}
	}
	p.logger.Info("configuration reloaded", "path", p.path)
}
