package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	log      *slog.Logger
	mu       sync.RWMutex
	current  *Config
	checks   []func(*Config) error
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{path: path, log: log.With("component", "config")}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Check registers a validation that needs more than the schema, such as
// compiling rules. Reload runs every check before installing a config; a
// failing check leaves the current config in place.
func (l *Loader) Check(fn func(*Config) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks = append(l.checks, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// The parent directory is watched so editors that replace the file by rename
// are picked up too. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					if _, err := l.Reload(); err != nil {
						l.log.Warn("config reload failed, keeping previous config", "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. An invalid file
// leaves the current config in place.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.RLock()
	checks := slices.Clone(l.checks)
	l.mu.RUnlock()
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return nil, fmt.Errorf("config check: %w", err)
		}
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Version: "v1"}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "text")

	e := &cfg.Engine
	setDuration(&e.Window, 5*time.Second)
	setDuration(&e.LateTolerance, 2*time.Second)
	setDuration(&e.DedupWindow, 50*time.Millisecond)
	setInt(&e.DedupCapacity, 4096)
	setInt(&e.NeighborDistance, 1)
	setDuration(&e.TickInterval, 250*time.Millisecond)
	setInt(&e.MailboxDepth, 1024)
	setDuration(&e.SubmitTimeout, 2*time.Second)
	setDuration(&e.LookupTimeout, 2*time.Second)
	setDuration(&e.AssignmentRetry, 5*time.Second)

	c := &cfg.Classifier
	setDuration(&c.HistoryWindow, 60*time.Second)
	if c.Normal == (Thresholds{}) {
		c.Normal = Thresholds{DurationSeconds: 10, RepeatCount: 3, ConcurrentCount: 3}
	}
	if c.Reduced == (Thresholds{}) {
		c.Reduced = Thresholds{
			DurationSeconds: c.Normal.DurationSeconds * 2,
			RepeatCount:     c.Normal.RepeatCount + 2,
			ConcurrentCount: c.Normal.ConcurrentCount + 2,
		}
	}

	s := &cfg.Suppression
	setDuration(&s.StudentCooldown, 5*time.Minute)
	setDuration(&s.PairCooldown, 10*time.Minute)
	setInt(&s.BreakerThreshold, 10)
	setDuration(&s.BreakerWindow, 30*time.Minute)

	d := &cfg.Dispatch
	setInt(&d.Workers, 8)
	setInt(&d.QueueDepth, 1024)
	setInt(&d.MaxAttempts, 3)
	setDuration(&d.AttemptTimeout, 5*time.Second)
	setDuration(&d.InitialBackoff, 200*time.Millisecond)
	setDuration(&d.MaxBackoff, 2*time.Second)
	setDuration(&d.IdempotencyTTL, time.Hour)

	setString(&cfg.Directory.Backend, "static")
	setString(&cfg.Directory.Redis.Prefix, "hallwatch")

	setString(&cfg.Channels.MQTT.TopicPrefix, "hallwatch")
	setString(&cfg.Channels.MQTT.ClientID, "hallwatch-dispatcher")
	setDuration(&cfg.Channels.MQTT.Timeout, 5*time.Second)
	setDuration(&cfg.Channels.Shoutrrr.Timeout, 10*time.Second)

	setString(&cfg.Audit.Path, "data/hallwatch.db")
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setDuration(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}
