package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warroomhq/warroom/internal/config"
)

// cfgFile is the --config override shared by every subcommand
var cfgFile string

// rootCmd is the base command for the WarRoom CLI
var rootCmd = &cobra.Command{
	Use:   "warroom",
	Short: "WarRoom multi-agent paper trading core",
	Long: `WarRoom turns market news into paper trades through a panel of
LLM agents. Articles are interpreted per ticker, deliberated in a
weighted War Room, validated against risk rules, sized, and executed
against a simulated venue. Outcomes are verified against realized
prices and feed the nightly agent-weight adjustment.

Use 'warroom run' to start the trading core.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the WarRoom version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("warroom v%s\n", config.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: ./configs/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
