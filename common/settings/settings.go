// Package settings persists the daemon's own settings (which proxy config to load, logging and
// asset locations) in a JSON file next to its data.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/getlantern/boxclient/common/atomicfile"
	"github.com/getlantern/boxclient/internal"
)

// Keys for the daemon settings.
const (
	ConfigPathKey  = "config_path"
	LogLevelKey    = "log_level"
	LogPathKey     = "log_path"
	AssetDirKey    = "asset_dir"
	AutoStartKey   = "auto_start"
	WatchConfigKey = "watch_config"
	SentryDSNKey   = "sentry_dsn"
	TelemetryKey   = "telemetry"
	DeviceIDKey    = "device_id"

	FileName = "settings.json"
)

var ErrReadOnly = errors.New("read-only")

// Settings is a koanf store backed by a JSON file.
type Settings struct {
	mu       sync.RWMutex
	k        *koanf.Koanf
	parser   koanf.Parser
	path     string
	readOnly atomic.Bool
	watcher  *internal.FileWatcher
}

// Open loads the settings file in dataDir, creating it with defaults if it does not exist.
func Open(dataDir string) (*Settings, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &Settings{
		k:      koanf.New("."),
		parser: json.Parser(),
		path:   filepath.Join(dataDir, FileName),
	}
	raw, err := atomicfile.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.setDefaults(dataDir); err != nil {
			return nil, fmt.Errorf("error setting defaults: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("error loading settings file: %w", err)
	default:
		if err := s.k.Load(rawbytes.Provider(raw), s.parser); err != nil {
			return nil, fmt.Errorf("error parsing settings file: %w", err)
		}
	}
	return s, nil
}

func (s *Settings) setDefaults(dataDir string) error {
	defaults := map[string]any{
		LogLevelKey:    "info",
		LogPathKey:     filepath.Join(dataDir, "boxclient.log"),
		AssetDirKey:    filepath.Join(dataDir, "assets"),
		AutoStartKey:   false,
		WatchConfigKey: true,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range defaults {
		if err := s.k.Set(key, value); err != nil {
			return fmt.Errorf("could not set key %s: %w", key, err)
		}
	}
	return s.saveLocked()
}

// OpenReadOnly loads the settings file in dir without creating it. Changes cannot be made. If
// watchFile is true, changes to the file on disk are reloaded automatically.
func OpenReadOnly(dir string, watchFile bool, logger *slog.Logger) (*Settings, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settings{
		parser: json.Parser(),
		path:   filepath.Join(dir, FileName),
	}
	s.readOnly.Store(true)
	if err := s.reload(); err != nil {
		return nil, fmt.Errorf("initializing read-only settings: %w", err)
	}
	if watchFile {
		watcher := internal.NewFileWatcher(s.path, func() {
			if err := s.reload(); err != nil {
				logger.Error("reloading settings file", "error", err)
			}
		}, logger)
		if err := watcher.Start(); err != nil {
			return nil, fmt.Errorf("starting settings file watcher: %w", err)
		}
		s.watcher = watcher
	}
	return s, nil
}

func (s *Settings) reload() error {
	contents, err := atomicfile.ReadFile(s.path)
	if err != nil { // including os.ErrNotExist as we only want read-only here
		return fmt.Errorf("loading settings (read-only): %w", err)
	}
	kk := koanf.New(".")
	if err := kk.Load(rawbytes.Provider(contents), s.parser); err != nil {
		return fmt.Errorf("parsing settings: %w", err)
	}
	s.mu.Lock()
	s.k = kk
	s.mu.Unlock()
	return nil
}

// Path returns the settings file path.
func (s *Settings) Path() string {
	return s.path
}

// Close stops watching the settings file.
func (s *Settings) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Settings) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.String(key)
}

func (s *Settings) GetBool(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.Bool(key)
}

func (s *Settings) GetInt(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.Int(key)
}

func (s *Settings) GetStruct(key string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.k.UnmarshalWithConf(key, out, koanf.UnmarshalConf{Tag: "json"})
}

// Set stores value under key and saves the file.
func (s *Settings) Set(key string, value any) error {
	if s.readOnly.Load() {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.k.Set(key, value); err != nil {
		return fmt.Errorf("could not set key %s: %w", key, err)
	}
	return s.saveLocked()
}

func (s *Settings) saveLocked() error {
	out, err := s.k.Marshal(s.parser)
	if err != nil {
		return fmt.Errorf("could not marshal settings: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, out, 0o644); err != nil {
		return fmt.Errorf("could not write settings file: %w", err)
	}
	return nil
}
