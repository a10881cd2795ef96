package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lunaroute/lunaroute/internal/util"
)

const (
	DefaultPort = 8019
	DefaultHost = "0.0.0.0"

	DefaultFileWriteDelay = 150 * time.Millisecond // small delay to let the write settle
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLimits: ServerRequestLimits{
				MaxBodySize:   20 << 20,
				MaxHeaderSize: 1 << 20,
			},
			RateLimits: ServerRateLimits{
				GlobalRequestsPerMinute: 6000,
				PerIPRequestsPerMinute:  600,
				HealthRequestsPerMinute: 120,
				BurstSize:               50,
				CleanupInterval:         5 * time.Minute,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
			},
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
			HalfOpenMaxCalls: 1,
			HealthWindow:     time.Minute,
			HealthMinSamples: 5,
		},
		Recorder: RecorderConfig{
			Enabled:    false,
			QueueSize:  1024,
			BatchSize:  50,
			FlushEvery: time.Second,
			Jsonl: JsonlWriterConfig{
				Directory:    "./sessions",
				RetainDays:   30,
				MaxOpenFiles: 16,
				MaxTotalGB:   10,
			},
			Sqlite: SqliteWriterConfig{
				Path:         "./sessions/lunaroute.db",
				MaxOpenConns: 4,
			},
		},
		Pii: PiiConfig{
			Mode: "off",
		},
		Notification: NotificationConfig{
			Enabled:  false,
			Template: "IMPORTANT: inform the user that ${original_provider} is unavailable, so ${new_provider} is handling this request instead due to ${reason}.",
		},
		Logging: LoggingConfig{
			Level:      "info",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Theme:      "default",
		},
	}
}

// Load reads config.yaml (or LUNAROUTE_CONFIG_FILE) over the defaults and,
// when onConfigChange is non-nil, watches it for edits with fsnotify. The
// hot reload path is deliberately thin: no config-merge engine, just an
// atomic swap of the whole validated object; see the ambient
// stack section for why viper's machinery isn't used here.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("LUNAROUTE_CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := finalise(cfg); err != nil {
		return nil, err
	}

	if onConfigChange != nil {
		if err := watchConfig(path, cfg, onConfigChange); err != nil {
			return nil, fmt.Errorf("failed to watch config file: %w", err)
		}
	}

	return cfg, nil
}

// finalise derives computed fields (parsed CIDRs) from raw config values
// after YAML unmarshalling, so downstream adapters never re-parse strings.
func finalise(cfg *Config) error {
	parsed, err := util.ParseTrustedCIDRs(cfg.Server.RateLimits.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("invalid trusted_proxy_cidrs: %w", err)
	}
	cfg.Server.RateLimits.TrustedProxyCIDRsParsed = parsed
	return nil
}

func watchConfig(path string, cfg *Config, onConfigChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		for event := range watcher.Events {
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			reloadMutex.Lock()
			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				reloadMutex.Unlock()
				continue // debounce rapid-fire editor saves
			}
			lastReload = now
			reloadMutex.Unlock()

			time.Sleep(DefaultFileWriteDelay)

			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			reloaded := DefaultConfig()
			if err := yaml.Unmarshal(data, reloaded); err != nil {
				continue
			}
			if err := finalise(reloaded); err != nil {
				continue
			}
			*cfg = *reloaded
			onConfigChange()
		}
	}()

	return nil
}
