package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultAPIHost      = "127.0.0.1"
	DefaultAPIPort      = 9011
	DefaultProtocol     = "849"
	DefaultDeviceName   = "wxgate"
	DefaultStorePath    = "data/wxgate.db"
	DefaultSeenTTL      = 3600
	DefaultFreshness    = 60
	DefaultPipelineWait = 120
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	WeChat   WeChatConfig   `toml:"wechat"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Store    StoreConfig    `toml:"store"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File enables rotating file output when set; empty logs to stderr only.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type WeChatConfig struct {
	APIHost    string `toml:"api_host"`
	APIPort    int    `toml:"api_port"`
	Protocol   string `toml:"protocol"`
	DeviceName string `toml:"device_name"`

	IgnoreMode string   `toml:"ignore_mode"`
	Whitelist  []string `toml:"whitelist"`
	Blacklist  []string `toml:"blacklist"`

	SpeechRecognition      bool `toml:"speech_recognition"`
	GroupSpeechRecognition bool `toml:"group_speech_recognition"`

	BotName    string `toml:"bot_name"`
	GroupAlias string `toml:"group_alias"`

	SyncIntervalSeconds int `toml:"sync_interval_seconds"`

	// SeenTTLSeconds is how long processed message ids stay in the dedupe
	// store; FreshnessSeconds is the maximum accepted message age.
	SeenTTLSeconds   int `toml:"seen_ttl_seconds"`
	FreshnessSeconds int `toml:"freshness_seconds"`
}

type PipelineConfig struct {
	// WebhookURL receives the canonical message record and answers with the
	// reply to deliver. Empty disables dispatch (messages are logged only).
	WebhookURL     string            `toml:"webhook_url"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	Headers        map[string]string `toml:"headers"`
}

// Timeout returns the webhook call timeout.
func (c PipelineConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return time.Duration(DefaultPipelineWait) * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type StoreConfig struct {
	Path string `toml:"path"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		WeChat: WeChatConfig{
			APIHost:          DefaultAPIHost,
			APIPort:          DefaultAPIPort,
			Protocol:         DefaultProtocol,
			DeviceName:       DefaultDeviceName,
			IgnoreMode:       "none",
			SeenTTLSeconds:   DefaultSeenTTL,
			FreshnessSeconds: DefaultFreshness,
		},
		Pipeline: PipelineConfig{
			TimeoutSeconds: DefaultPipelineWait,
		},
		Store: StoreConfig{
			Path: DefaultStorePath,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}
