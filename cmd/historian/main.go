package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vjranagit/historian/internal/config"
)

const (
	version = "0.3.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "historian",
		Short:         "Versioned point value store",
		Long:          `Historian stores versioned point values in archive or snapshot stores, routes batches across stores with a proxy, and bridges protocol adapters under the same contract. Flags can be set through environment variables named HISTORIAN_<SECTION>_<KEY> (e.g. HISTORIAN_STORE_NAME=plant).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "historian v%s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a store, a proxy or a protocol bridge",
		PreRun: func(*cobra.Command, []string) {
			// load env files
			_ = godotenv.Load(".env")
			_ = godotenv.Load(".env.local")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}
	if err := config.RegisterFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(
		"service", "historian",
		"version", version,
		"role", cfg.Role,
	)
}

func loadConfig(v *viper.Viper) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
