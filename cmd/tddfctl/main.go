package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timmy/tddf/internal/app"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/logger"
)

var Version = "dev"

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "tddfctl",
		Short:   "Operate the TDDF ingestion pipeline",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if verbose {
				level = "info"
			}
			logger.SetDefaultLogger(logger.New(&logger.Config{
				Level:       level,
				Format:      "text",
				Output:      os.Stderr,
				ServiceName: "tddfctl",
			}))
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(staleCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(partitionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, wires the services and runs fn until it returns or
// the process is interrupted.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.SetComponent(ctx, "tddfctl")

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
