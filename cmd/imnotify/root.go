package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServerURL = "http://localhost:8080"

// settings resolves flags against IMNOTIFY_* environment variables
var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:   "imnotify",
	Short: "imnotify delivers build notifications over instant messaging",
	Long: `imnotify keeps one login session to an IM network (Discord, Telegram,
Feishu, DingTalk) and delivers build-status events from a build system to
people on that network as short private messages.

The build system posts events to the hook server started by "imnotify serve",
or calls "imnotify notify".`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (env IMNOTIFY_CONFIG)")
	rootCmd.PersistentFlags().String("server", defaultServerURL, "Hook server URL used by notify and status (env IMNOTIFY_SERVER)")
	_ = settings.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = settings.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	settings.SetEnvPrefix("IMNOTIFY")
	settings.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// defaultConfigLocations are searched when no config file is given
func defaultConfigLocations() []string {
	return []string{
		"config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/imnotify/config.yaml"),
		"/etc/imnotify/config.yaml",
	}
}

// resolveConfigPath returns the --config flag, IMNOTIFY_CONFIG or the first
// default location that exists
func resolveConfigPath() (string, error) {
	return findConfig(settings.GetString("config"))
}

func findConfig(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, loc := range defaultConfigLocations() {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", errors.New("no configuration file found; use --config or IMNOTIFY_CONFIG")
}
