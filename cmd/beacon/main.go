// Command beacon is an mDNS responder daemon. It publishes the host's IPv6
// addresses and the DNS-SD services given on the command line until it is
// interrupted, then withdraws them with goodbye packets.
//
//	beacon serve --service "My Printer,_ipp._tcp,631,rp=printers/1" --subtype _universal
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "beacon",
		Short:         "Multicast DNS responder for hosts and DNS-SD services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "beacon %s\n", version)
		},
	})
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "beacon: %v\n", err)
		os.Exit(1)
	}
}
