package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/roomlink/config"
	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/spf13/cobra"
)

var log = logging.Logger("roomlink")

var (
	flagConfig   string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "roomlink",
	Short: "Room-based peer-to-peer signaling server and headless peer",
	Long: `roomlink lets a small group of peers in a shared room find each other
and open direct WebRTC data links for game state and chat.

"serve" runs the room API and the WebSocket signal bridge.
"join" runs a headless peer that negotiates links with everyone in a room.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default $CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL)")
	rootCmd.AddCommand(serveCmd, joinCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the persistent flags on
// top of it, then sets up logging.
func loadConfig(cmd *cobra.Command, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}
