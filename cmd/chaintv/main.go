package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chaintv/internal/config"
	"chaintv/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	useMock    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "chaintv",
	Short:         "chaintv - pay-per-view gating for Solana livestreams",
	Long:          `chaintv decides whether a wallet may watch a livestream and, when payment is required, pays the stream owner in SOL and records the entitlement.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			loaded.LogFormat = logFormat
		}
		if useMock {
			loaded.Chain.Mock = true
			loaded.Wallet = config.Wallet{Mock: true}
		}
		logging.Init(logging.Config{Level: loaded.LogLevel, Format: loaded.LogFormat})
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format (json, console, auto)")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "use the mock chain and a throwaway mock wallet")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(accessCmd)
	rootCmd.AddCommand(payCmd)
	rootCmd.AddCommand(priceCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(receiptsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// No configuration needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chaintv %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
