package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
	"github.com/rustyeddy/paperbot/internal/util"
	"github.com/rustyeddy/paperbot/journal"
)

var rootCmd = &cobra.Command{
	Use:   "paperbot",
	Short: "Multi-venue paper trading supervision engine",
	Long: `Paperbot runs crossover and candlestick strategies against paper
accounts on one or more venues, validates every order against a per-account
risk policy, simulates fills and exits, and decides when an account has
earned promotion to live trading.

Flags fall back to PAPERBOT_CONFIG, PAPERBOT_DB and PAPERBOT_LOG_LEVEL, which
may also be set in a .env file in the working directory.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnv,
}

var (
	configPath string
	dbPath     string
	logLevel   string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "paperbot.yaml", "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "path to SQLite ledger (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log_level)")
}

var envFlags = map[string]string{
	"config":    "PAPERBOT_CONFIG",
	"db":        "PAPERBOT_DB",
	"log-level": "PAPERBOT_LOG_LEVEL",
}

func loadEnv(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load() // best-effort

	for flag, env := range envFlags {
		v, ok := os.LookupEnv(env)
		if !ok || cmd.Flags().Changed(flag) {
			continue
		}
		if err := cmd.Flags().Set(flag, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

// loadConfig reads the config file, or the defaults when none exists and
// the path was not given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return cfg, err
}

func logger(cfg *config.Config) zerolog.Logger {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return util.NewLogger(level)
}

func openStore(cfg *config.Config) (*journal.SQLite, error) {
	path := cfg.Store.Path
	if dbPath != "" {
		path = dbPath
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

// withStore opens the ledger for a read or maintenance command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, j *journal.SQLite) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(cmd.Context(), cfg, j)
}
