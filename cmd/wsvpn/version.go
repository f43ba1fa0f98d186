package main

import (
	"fmt"
	"runtime"

	"github.com/opd-ai/wsvpn/wsvpn"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}

			fmt.Fprintf(out, "Version:          %s\n", version)
			fmt.Fprintf(out, "Commit:           %s\n", commit)
			fmt.Fprintf(out, "Protocol version: %d\n", wsvpn.ProtocolVersion)
			fmt.Fprintf(out, "Features:         %s\n", wsvpn.DefaultFeatures())
			fmt.Fprintf(out, "Go version:       %s\n", runtime.Version())
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
