package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/secure-relay/internal/logging"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	email      string
	token      string
	passphrase string
	storePath  string
	timeout    time.Duration
	verbose    bool
	version    string = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Talk to a presence and call-signaling relay",
	Long: `relayctl is a command-line device for the relay.

It opens a WebSocket connection as one identity, drives every client event
(presence edges, messages, files, call signaling, statistics) and keeps the
reconciled chat history on disk between runs.

Quick Start:
  relayctl --email alice@example.com connect bob@example.com
  relayctl --email alice@example.com send bob@example.com "hi"
  relayctl --email bob@example.com listen
  relayctl --email alice@example.com sessions`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		slog.SetDefault(logging.NewStderrLogger(logging.Config{
			ServiceName: "relayctl",
			Level:       level,
			Format:      "text",
		}))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("RELAY_URL", "ws://localhost:8080"), "Relay URL")
	rootCmd.PersistentFlags().StringVarP(&email, "email", "e", os.Getenv("RELAY_EMAIL"), "Identity to connect as")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("RELAY_TOKEN"), "Signed access token, when the relay requires one")
	rootCmd.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", os.Getenv("RELAY_PASSPHRASE"), "Shared passphrase; enables encrypted messages and call keys")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Session history file (.db for SQLite, JSON otherwise)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the relay to answer")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// defaultStorePath is ~/.relayctl/<identity>.json
func defaultStorePath(identity string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".relayctl", identity+".json"), nil
}
