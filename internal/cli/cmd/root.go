// Package cmd implements the chat CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filipexyz/chatd/internal/cli/config"
)

const defaultServer = "localhost:5555"

var (
	cfgFile    string
	serverAddr string
	cfg        *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Terminal client for the chatd chat server",
	Long:  `chat is a line-oriented terminal client for chatd. Connect, log in, and talk.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load config (ignore errors for commands that don't need it)
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			cfg = &config.Config{}
		}

		// Server address priority: flag > config > default
		if serverAddr == "" && cfg.Server != "" {
			serverAddr = cfg.Server
		}
		if serverAddr == "" {
			serverAddr = defaultServer
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.chatd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "server address (host:port)")
}
