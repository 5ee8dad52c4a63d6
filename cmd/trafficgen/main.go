// main.go - load generator for the traffic counter
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	workers int
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "trafficgen",
	Short: "Send synthetic hits to a webtraffic server",
	Long: `trafficgen posts hits to a running webtraffic server, either at a steady
rate until interrupted or as a backfilled week of per-day totals.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:3001", "Base URL of the server")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "c", 50, "Number of concurrent senders")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")

	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(weekCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
