package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultListLimit       = 50
	DefaultFetchTimeoutSec = 30
	DefaultIntervalSec     = 60
	DefaultErrorBackoffSec = 5
	DefaultBatchLimit      = 10
	DefaultStopTimeoutSec  = 10
	DefaultWorkers         = 4
	DefaultMaxMisses       = 3
	DefaultWindowHours     = 24
	DefaultSchedule        = "0 0 9 * * *"
)

type Config struct {
	Store    StoreConfig    `json:"store"`
	Source   SourceConfig   `json:"source"`
	Monitor  MonitorConfig  `json:"monitor"`
	Ingest   IngestConfig   `json:"ingest"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Notify   NotifyConfig   `json:"notify"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type SourceConfig struct {
	BaseURL    string `json:"baseUrl"`
	Token      string `json:"token,omitempty"`
	ListLimit  int    `json:"listLimit,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
	Proxy      string `json:"proxy,omitempty"`
}

type MonitorConfig struct {
	IntervalSec     int `json:"intervalSec"`
	ErrorBackoffSec int `json:"errorBackoffSec"`
	BatchLimit      int `json:"batchLimit"`
	StopTimeoutSec  int `json:"stopTimeoutSec"`
}

type IngestConfig struct {
	Workers int `json:"workers"`
}

type WatchdogConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"` // six-field cron expression
	MaxMisses   int    `json:"maxMisses"`
	WindowHours int    `json:"windowHours"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DBPath: filepath.Join(ConfigDir(), "data", "conversations.db"),
		},
		Source: SourceConfig{
			ListLimit:  DefaultListLimit,
			TimeoutSec: DefaultFetchTimeoutSec,
		},
		Monitor: MonitorConfig{
			IntervalSec:     DefaultIntervalSec,
			ErrorBackoffSec: DefaultErrorBackoffSec,
			BatchLimit:      DefaultBatchLimit,
			StopTimeoutSec:  DefaultStopTimeoutSec,
		},
		Ingest: IngestConfig{
			Workers: DefaultWorkers,
		},
		Watchdog: WatchdogConfig{
			Enabled:     true,
			Schedule:    DefaultSchedule,
			MaxMisses:   DefaultMaxMisses,
			WindowHours: DefaultWindowHours,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".convault")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if path := os.Getenv("CONVAULT_DB_PATH"); path != "" {
		cfg.Store.DBPath = path
	}
	if url := os.Getenv("CONVAULT_SOURCE_URL"); url != "" {
		cfg.Source.BaseURL = url
	}
	if token := os.Getenv("CONVAULT_SOURCE_TOKEN"); token != "" {
		cfg.Source.Token = token
	}
	if token := os.Getenv("CONVAULT_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
		cfg.Notify.Telegram.Enabled = true
	}
	if chat := os.Getenv("CONVAULT_TELEGRAM_CHAT_ID"); chat != "" {
		if parsed, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = parsed
		}
	}
	if interval := os.Getenv("CONVAULT_MONITOR_INTERVAL"); interval != "" {
		if parsed, err := strconv.Atoi(interval); err == nil && parsed > 0 {
			cfg.Monitor.IntervalSec = parsed
		}
	}
	if workers := os.Getenv("CONVAULT_INGEST_WORKERS"); workers != "" {
		if parsed, err := strconv.Atoi(workers); err == nil && parsed > 0 {
			cfg.Ingest.Workers = parsed
		}
	}

	return cfg, nil
}

// ValidateForMonitor reports the fatal configuration errors that must
// prevent the monitor from starting.
func (c *Config) ValidateForMonitor() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base url not set: edit %s or set CONVAULT_SOURCE_URL", ConfigPath())
	}
	return nil
}
