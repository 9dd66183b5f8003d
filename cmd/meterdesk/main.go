package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"meterdesk/internal/config"
)

var (
	rootCmd = &cobra.Command{
		Use:   "meterdesk",
		Short: "Renewable-energy client hierarchy editor",
		Long: `meterdesk keeps main, sub and part client records for renewable-energy
plants consistent: capacities roll up, sharing percentages are derived and
every save sends only the fields that changed.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	configPath string
	dataDir    string
	logLevel   string

	cfg     *config.AppConfig
	cfgInfo config.LoadConfigInfo
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: config.toml next to the executable)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace | debug | info | warn | error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, info, err := config.LoadConfigWithInfo(configPath)
	if err != nil {
		return err
	}
	cfg, cfgInfo = loaded, info
	if dataDir != "" {
		cfg.Data.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	log.Debug().Str("path", info.Path).Bool("found", info.Found).Msg("config loaded")
	return nil
}

// setupLogger 开发时使用 console 输出，其余情况输出 JSON
func setupLogger(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}
