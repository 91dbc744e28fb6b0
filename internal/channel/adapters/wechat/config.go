package wechat

import (
	"fmt"
	"strings"
	"time"

	"github.com/wxgatehq/wxgate/internal/wechatapi"
)

// IgnoreMode selects which conversations the adapter processes.
type IgnoreMode string

const (
	// IgnoreNone processes every conversation.
	IgnoreNone IgnoreMode = "none"
	// IgnoreWhitelist processes only conversations on the whitelist.
	IgnoreWhitelist IgnoreMode = "whitelist"
	// IgnoreBlacklist processes everything except blacklisted conversations.
	IgnoreBlacklist IgnoreMode = "blacklist"
)

// Config holds the wechat adapter settings.
type Config struct {
	// APIHost and APIPort locate the local automation service.
	APIHost string `toml:"api_host"`
	APIPort int    `toml:"api_port"`
	// Protocol selects the service variant ("849", "855", "ipad").
	Protocol string `toml:"protocol"`
	// DeviceName is the device label shown in the phone's session list.
	DeviceName string `toml:"device_name"`

	IgnoreMode IgnoreMode `toml:"ignore_mode"`
	Whitelist  []string   `toml:"whitelist"`
	Blacklist  []string   `toml:"blacklist"`

	// SpeechRecognition gates voice handling in direct and group chats.
	SpeechRecognition      bool `toml:"speech_recognition"`
	GroupSpeechRecognition bool `toml:"group_speech_recognition"`

	// BotName and GroupAlias are display names used for mention detection.
	BotName    string `toml:"bot_name"`
	GroupAlias string `toml:"group_alias"`

	// SyncInterval is the pause between message sync polls.
	SyncInterval time.Duration `toml:"-"`
	// SyncIntervalSeconds is the TOML-facing form of SyncInterval.
	SyncIntervalSeconds int `toml:"sync_interval_seconds"`
}

// Normalize applies defaults and validates the configuration.
func (c *Config) Normalize() error {
	if c.APIHost == "" {
		c.APIHost = "127.0.0.1"
	}
	if c.APIPort == 0 {
		c.APIPort = 9011
	}
	if c.Protocol == "" {
		c.Protocol = string(wechatapi.Protocol849)
	}
	if c.DeviceName == "" {
		c.DeviceName = "wxgate"
	}
	if c.IgnoreMode == "" {
		c.IgnoreMode = IgnoreNone
	}
	switch c.IgnoreMode {
	case IgnoreNone, IgnoreWhitelist, IgnoreBlacklist:
	default:
		return fmt.Errorf("invalid ignore_mode %q", c.IgnoreMode)
	}
	if c.SyncInterval <= 0 {
		if c.SyncIntervalSeconds > 0 {
			c.SyncInterval = time.Duration(c.SyncIntervalSeconds) * time.Second
		} else {
			c.SyncInterval = time.Second
		}
	}
	return nil
}

// ProtocolVariant returns the configured service variant.
func (c *Config) ProtocolVariant() wechatapi.Protocol {
	return wechatapi.Protocol(strings.ToLower(strings.TrimSpace(c.Protocol)))
}
