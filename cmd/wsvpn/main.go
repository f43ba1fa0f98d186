// Command wsvpn connects to a wsvpn server and reports the tunnel
// parameters and traffic it receives.
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
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wsvpn",
		Short:         "wsvpn tunnel client",
		Long:          `wsvpn connects to a wsvpn server over WebSocket or a framed stream, negotiates protocol features and carries tunnel packets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		connectCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
