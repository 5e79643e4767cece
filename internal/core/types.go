package core

import (
	"strings"
	"time"
)

// Config represents the complete imnotify configuration structure
type Config struct {
	IM         IMConfig         `yaml:"im"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	HookServer HookServerConfig `yaml:"hook_server"`
	Journal    JournalConfig    `yaml:"journal"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// IMConfig represents the IM network login configuration
type IMConfig struct {
	Network           string `yaml:"network"`             // discord/telegram/feishu/dingtalk/loopback
	Hostname          string `yaml:"hostname"`            // Empty disables the connection
	Port              int    `yaml:"port"`                // Default: 5222
	Account           string `yaml:"account"`             // Login name, app id or guild id, depending on network
	Secret            string `yaml:"secret"`              // Password or bot token
	ExposePresence    bool   `yaml:"expose_presence"`     // Visible to everyone once logged in
	InitialGroupChats string `yaml:"initial_group_chats"` // Whitespace separated; parsed, not used for sending
	CommandPrefix     string `yaml:"command_prefix"`      // Parsed, not used for sending
}

// ConnectionConfig returns the immutable login snapshot for a Connection
func (c IMConfig) ConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Hostname:       c.Hostname,
		Port:           c.Port,
		Account:        c.Account,
		Secret:         c.Secret,
		ExposePresence: c.ExposePresence,
	}
}

// GroupChats returns the configured initial group chats
func (c IMConfig) GroupChats() []string {
	return strings.Fields(c.InitialGroupChats)
}

// ResolverConfig represents target resolver configuration
type ResolverConfig struct {
	Timeout    string `yaml:"timeout"`     // Bounded wait for a directory answer (default: "10s")
	RetryAfter string `yaml:"retry_after"` // Failed lookups are retried after this (default: "1m")
}

// TimeoutDuration returns the parsed resolve timeout
func (c ResolverConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, DefaultResolveTimeout)
}

// RetryAfterDuration returns the parsed retry cooldown
func (c ResolverConfig) RetryAfterDuration() time.Duration {
	return parseDurationOr(c.RetryAfter, DefaultResolveRetryAfter)
}

// DeliveryConfig represents notification session configuration
type DeliveryConfig struct {
	Grace string `yaml:"grace"` // Wait between send and close (default: "500ms")
}

// GraceDuration returns the parsed grace period
func (c DeliveryConfig) GraceDuration() time.Duration {
	return parseDurationOr(c.Grace, DefaultDeliveryGrace)
}

// HookServerConfig represents HTTP Hook server configuration
type HookServerConfig struct {
	Port int `yaml:"port"`
}

// JournalConfig represents the delivery journal configuration
type JournalConfig struct {
	DSN string `yaml:"dsn"` // Postgres connection string; empty disables the journal
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     bool   `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStdout bool   `yaml:"enable_stdout"` // Also output to stdout (default: true)
}

func parseDurationOr(s string, fallback string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}
