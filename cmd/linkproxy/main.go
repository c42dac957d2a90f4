// linkproxy bridges game clients and backend servers that speak different
// protocol versions, translating packets in flight.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  _ _       _
 | (_)_ __ | | ___ __  _ __ _____  ___   _
 | | | '_ \| |/ / '_ \| '__/ _ \ \/ / | | |
 | | | | | |   <| |_) | | | (_) >  <| |_| |
 |_|_|_| |_|_|\_\ .__/|_|  \___/_/\_\\__, |
                |_|                  |___/  %s
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "linkproxy",
		Short: "Protocol-translating game proxy",
		Long: `linkproxy accepts players on one protocol version and links them to
backends running another, rewriting packets between adjacent versions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configDir string
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "config", "configuration directory")

	rootCmd.AddCommand(
		serveCmd(&configDir),
		initCmd(&configDir),
		versionsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
