package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/clawbridge/clawbridge/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile   string
	verbose   bool
	loginFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "clawbridge",
	Short: "ClawBridge — Anthropic-to-Gemini API bridge",
	Long: "ClawBridge runs a local proxy that speaks the Anthropic Messages API " +
		"and serves it from Google's Gemini models using your Google account.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginFlag {
			return runLogin(cmd.Context())
		}
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $CLAWBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&loginFlag, "login", false, "run the sign-in flow instead of serving")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawbridge %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CLAWBRIDGE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
