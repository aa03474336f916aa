package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagHost        string
	flagPort        int
	flagTheme       string
	flagLayout      string
	flagNoReconnect bool
)

var rootCmd = &cobra.Command{
	Use:   "dashboardctl",
	Short: "Stream a running node's dashboard protocol frames to stdout",
	Long: `dashboardctl connects to a noex node's dashboard port and prints the
snapshot and lifecycle_event frames it pushes. It speaks the wire
protocol only; rendering a TUI from these frames is left to other
tools.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(Config{
			Host:        flagHost,
			Port:        flagPort,
			Theme:       flagTheme,
			Layout:      flagLayout,
			NoReconnect: flagNoReconnect,
		})
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "dashboard server host")
	rootCmd.Flags().IntVar(&flagPort, "port", 4499, "dashboard server port")
	rootCmd.Flags().StringVar(&flagTheme, "theme", "dark", "display theme (dark|light)")
	rootCmd.Flags().StringVar(&flagLayout, "layout", "full", "display layout (full|compact|minimal)")
	rootCmd.Flags().BoolVar(&flagNoReconnect, "no-reconnect", false, "exit on the first connection failure instead of retrying")
}

// Execute runs the root command, printing the error and exiting 1 when
// it fails: an invalid --theme/--layout, or a connection failure under
// --no-reconnect. Without --no-reconnect the client retries for as long
// as it runs and never exits on a connection failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
