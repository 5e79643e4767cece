// Package core provides the notification engine and configuration management
// for imnotify.
//
// The core package connects build events to people on an IM network. It
// handles:
//
//   - Configuration loading and validation (from YAML files)
//   - The single login session to the IM network (Connection)
//   - Resolving free-text user identifiers into network users (Resolver)
//   - Creating, replacing and releasing the connection (Provider)
//   - Fanning a build event out to its targets (Notifier)
//   - HTTP hook server for receiving build events
//
// # Main Components
//
//   - Engine: owns the provider, the hook server and the journal
//   - Connection: Initializing -> LoggedIn -> Closed
//   - Resolver: blocking, timeout-bounded view of the async directory
//
// # Example Configuration
//
//	im:
//	  network: telegram
//	  hostname: api.telegram.org
//	  secret: ${TELEGRAM_BOT_TOKEN}
//	  expose_presence: true
//	resolver:
//	  timeout: 10s
//	delivery:
//	  grace: 500ms
//	hook_server:
//	  port: 8080
//	journal:
//	  dsn: postgres://imnotify@localhost/imnotify?sslmode=disable
package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keepmind9/imnotify/internal/platform"
	"github.com/keepmind9/imnotify/pkg/constants"
	"gopkg.in/yaml.v3"
)

const (
	DefaultNetwork         = "loopback"
	DefaultLogLevel        = "info"
	DefaultLogCompress     = true
	DefaultLogEnableStdout = true

	// Default timeout values
	DefaultResolveTimeout    = "10s"
	DefaultResolveRetryAfter = "1m"
	DefaultDeliveryGrace     = "500ms"
)

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	// Parse YAML. The default port is set first so that an explicit
	// "port: 0" survives.
	var config Config
	config.IM.Port = constants.DefaultIMPort
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig applies defaults and checks the configuration
func validateConfig(config *Config) error {
	if config.HookServer.Port == 0 {
		config.HookServer.Port = constants.DefaultHookPort
	}
	if config.HookServer.Port < 0 || config.HookServer.Port > constants.MaxIMPort {
		return fmt.Errorf("hook_server.port must be between 1 and %d (got %d)", constants.MaxIMPort, config.HookServer.Port)
	}

	// Set default logging configuration
	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = constants.DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = constants.DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = constants.DefaultLogMaxAge
	}
	if !config.Logging.Compress {
		config.Logging.Compress = DefaultLogCompress
	}
	if !config.Logging.EnableStdout {
		config.Logging.EnableStdout = DefaultLogEnableStdout
	}

	if err := validateIM(&config.IM); err != nil {
		return err
	}

	// Set default timeout values
	if config.Resolver.Timeout == "" {
		config.Resolver.Timeout = DefaultResolveTimeout
	}
	if config.Resolver.RetryAfter == "" {
		config.Resolver.RetryAfter = DefaultResolveRetryAfter
	}
	if config.Delivery.Grace == "" {
		config.Delivery.Grace = DefaultDeliveryGrace
	}

	timeout, err := time.ParseDuration(config.Resolver.Timeout)
	if err != nil {
		return fmt.Errorf("invalid resolver.timeout: %w", err)
	}
	if timeout <= 0 || timeout > 5*time.Minute {
		return fmt.Errorf("resolver.timeout must be between 0 and 5m (got %v)", timeout)
	}

	retryAfter, err := time.ParseDuration(config.Resolver.RetryAfter)
	if err != nil {
		return fmt.Errorf("invalid resolver.retry_after: %w", err)
	}
	if retryAfter < 0 {
		return fmt.Errorf("resolver.retry_after must not be negative (got %v)", retryAfter)
	}

	grace, err := time.ParseDuration(config.Delivery.Grace)
	if err != nil {
		return fmt.Errorf("invalid delivery.grace: %w", err)
	}
	if grace < 0 || grace > time.Minute {
		return fmt.Errorf("delivery.grace must be between 0 and 1m (got %v)", grace)
	}

	return nil
}

func validateIM(im *IMConfig) error {
	if im.Network == "" {
		im.Network = DefaultNetwork
	}
	known := false
	for _, kind := range platform.Kinds() {
		if kind == im.Network {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("im.network %q is not supported (known: %s)", im.Network, strings.Join(platform.Kinds(), ", "))
	}

	if im.Port < 0 || im.Port > constants.MaxIMPort {
		return fmt.Errorf("im.port must be between 0 and %d (got %d)", constants.MaxIMPort, im.Port)
	}

	im.Hostname = strings.TrimSpace(im.Hostname)
	if im.Hostname == "" {
		// Disabled: nothing else is required.
		return nil
	}

	switch im.Network {
	case "loopback":
	case "discord", "telegram":
		if im.Secret == "" {
			return fmt.Errorf("im.secret (bot token) is required for %s", im.Network)
		}
	default:
		if im.Account == "" || im.Secret == "" {
			return fmt.Errorf("im.account and im.secret are required for %s", im.Network)
		}
	}
	return nil
}

// Enabled reports whether a connection should be established
func (c *Config) Enabled() bool {
	return c.IM.Hostname != ""
}
