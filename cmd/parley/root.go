package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/config"
	"github.com/aretw0/parley/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley hosts conversational avatars with one live session per page",
	Long: `Parley manages embedded avatar widgets: it loads the widget script once,
keeps at most one avatar session live at a time and routes widget
notifications to the session that owns them.

Settings come from PARLEY_* environment variables; flags override them.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("avatars", "", "YAML file with avatar definitions (PARLEY_AVATARS_FILE)")
	rootCmd.PersistentFlags().String("avatars-dir", "", "Directory of avatar documents (PARLEY_AVATARS_DIR)")
	rootCmd.PersistentFlags().String("redis", "", "Redis address shared by replicas (PARLEY_REDIS_ADDR)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (PARLEY_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json (PARLEY_LOG_FORMAT)")

	rootCmd.Version = parley.Release()
	rootCmd.SetVersionTemplate(versionLine() + "\n")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the parley release",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionLine())
		},
	})
}

func versionLine() string {
	return "parley version " + parley.Release()
}

// loadConfig reads the environment and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	overrides := map[string]*string{
		"avatars":     &cfg.AvatarsFile,
		"avatars-dir": &cfg.AvatarsDir,
		"redis":       &cfg.RedisAddr,
		"log-level":   &cfg.LogLevel,
		"log-format":  &cfg.LogFormat,
		"addr":        &cfg.Addr,
	}
	for name, field := range overrides {
		f := cmd.Flags().Lookup(name)
		if f != nil && f.Changed {
			*field = f.Value.String()
		}
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger. Logs go to Stderr so Stdout stays
// free for MCP stdio and command output.
func newLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	var logger *slog.Logger
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger = logging.NewJSON(os.Stderr, level)
	} else {
		logger = logging.New(level)
	}
	slog.SetDefault(logger)
	return logger, nil
}
