package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/keepmind9/imnotify/internal/core"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	validateShow   bool
	validateJSON   bool
	validateDNS    bool
	validateStrict bool

	// lookupHost is replaced in tests
	lookupHost = net.DefaultResolver.LookupHost
)

// errInvalidConfig makes the command exit non-zero after the report is printed
var errInvalidConfig = errors.New("configuration is invalid")

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Network  string   `json:"network,omitempty"`
	Enabled  bool     `json:"enabled"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate imnotify configuration file",
	Long: `Validate the imnotify configuration file without starting the daemon.

This command checks:
  - YAML syntax and ${VAR} expansion
  - IM network and credentials
  - Resolver and delivery durations
  - Optionally (--dns) that im.hostname resolves

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors (or warnings with --strict)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := resolveConfigPath()
		if err != nil {
			return err
		}

		result, cfg := validateFile(cmd.Context(), configFile, validateDNS, validateStrict)
		if validateShow && cfg != nil {
			showConfig(cmd.OutOrStdout(), configFile, cfg)
		}
		outputValidationResult(cmd.OutOrStdout(), result, validateJSON)

		if !result.Valid {
			return errInvalidConfig
		}
		return nil
	},
}

// validateFile loads configFile and collects errors and warnings
func validateFile(ctx context.Context, configFile string, checkDNS, strict bool) (ValidationResult, *core.Config) {
	cfg, err := core.LoadConfig(configFile)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Config: configFile,
			Errors: []string{err.Error()},
		}, nil
	}

	result := ValidationResult{
		Valid:    true,
		Config:   configFile,
		Network:  cfg.IM.Network,
		Enabled:  cfg.Enabled(),
		Warnings: validateConfigDetails(cfg),
	}

	if checkDNS && cfg.Enabled() {
		if err := checkHostname(ctx, cfg.IM.Hostname); err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.Valid = false
		}
	}

	if strict && len(result.Warnings) > 0 {
		result.Valid = false
	}
	return result, cfg
}

// checkHostname resolves the IM host the daemon will log in to
func checkHostname(ctx context.Context, hostname string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, constants.HookHTTPTimeout)
	defer cancel()

	addrs, err := lookupHost(ctx, hostname)
	if err != nil {
		return fmt.Errorf("im.hostname %q does not resolve: %w", hostname, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("im.hostname %q has no addresses", hostname)
	}
	return nil
}

func validateConfigDetails(cfg *core.Config) []string {
	var warnings []string

	if !cfg.Enabled() {
		warnings = append(warnings, "im.hostname is empty - every notification will be skipped")
	}
	if cfg.IM.Network == core.DefaultNetwork && cfg.Enabled() {
		warnings = append(warnings, "im.network is loopback - messages never leave this process")
	}
	if cfg.Resolver.RetryAfterDuration() == 0 {
		warnings = append(warnings, "resolver.retry_after is 0 - unknown targets are looked up on every notification")
	}
	if len(cfg.IM.GroupChats()) > 0 {
		warnings = append(warnings, "im.initial_group_chats is set but group chats are not joined")
	}
	if cfg.IM.CommandPrefix != "" {
		warnings = append(warnings, "im.command_prefix is set but commands are not handled")
	}
	if cfg.Journal.DSN == "" {
		warnings = append(warnings, "journal.dsn is empty - deliveries are only logged")
	}

	return warnings
}

func showConfig(w io.Writer, configFile string, cfg *core.Config) {
	fmt.Fprintf(w, "Configuration loaded: %s\n\n", configFile)
	fmt.Fprintf(w, "IM:\n")
	fmt.Fprintf(w, "  - network:         %s\n", cfg.IM.Network)
	fmt.Fprintf(w, "  - host:            %s:%d\n", cfg.IM.Hostname, cfg.IM.Port)
	fmt.Fprintf(w, "  - account:         %s\n", cfg.IM.Account)
	fmt.Fprintf(w, "  - secret:          %s\n", logger.MaskSecret(cfg.IM.Secret))
	fmt.Fprintf(w, "  - expose_presence: %v\n", cfg.IM.ExposePresence)
	if chats := cfg.IM.GroupChats(); len(chats) > 0 {
		fmt.Fprintf(w, "  - group chats:     %s\n", strings.Join(chats, ", "))
	}
	fmt.Fprintf(w, "\nResolver: timeout %s, retry after %s\n", cfg.Resolver.TimeoutDuration(), cfg.Resolver.RetryAfterDuration())
	fmt.Fprintf(w, "Delivery: grace %s\n", cfg.Delivery.GraceDuration())
	fmt.Fprintf(w, "Hook server: port %d\n", cfg.HookServer.Port)
	journalState := "disabled"
	if cfg.Journal.DSN != "" {
		journalState = "postgres"
	}
	fmt.Fprintf(w, "Journal: %s\n\n", journalState)
}

func outputValidationResult(w io.Writer, result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(w, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(w, string(output))
		return
	}

	if result.Valid {
		fmt.Fprintln(w, "✓ Configuration is valid")
		fmt.Fprintf(w, "  - Config: %s\n", result.Config)
		fmt.Fprintf(w, "  - Network: %s\n", result.Network)
		fmt.Fprintf(w, "  - Enabled: %v\n", result.Enabled)
	} else {
		fmt.Fprintln(w, "❌ Configuration validation failed:")
		if len(result.Errors) > 0 {
			fmt.Fprintln(w, "\nErrors:")
			for _, errMsg := range result.Errors {
				fmt.Fprintf(w, "  - %s\n", errMsg)
			}
		}
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintln(w, "\n⚠️  Warnings:")
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
}

func init() {
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show the effective configuration")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
	validateCmd.Flags().BoolVar(&validateDNS, "dns", false, "Check that im.hostname resolves")
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "Treat warnings as errors")
}
