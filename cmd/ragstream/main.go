package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/go-ragstream"
	"github.com/hubenschmidt/go-ragstream/config"
)

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ragstream",
		Short:         "Index a document folder and answer questions over it with a local model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (yaml, toml or json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every pipeline step and stream replies")

	rootCmd.AddCommand(
		newIndexCmd(),
		newSearchCmd(),
		newAskCmd(),
		newChatCmd(),
		newServeCmd(),
		newRunsCmd(),
		newModelsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func openApp(ctx context.Context) (*ragstream.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ragstream.New(ctx, cfg)
}
