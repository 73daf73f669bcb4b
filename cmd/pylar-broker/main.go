// pylar-broker: the Pylar message broker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "pylar-broker",
		Short: "Pylar message broker",
		Long: `pylar-broker accepts connections from services and clients over ZeroMQ
ROUTER sockets, maintains the domain registry, and forwards requests and
notifications between registered domains.

Run "pylar-broker run" to start the broker.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("pylar-broker %s\n", Version)
		},
	}
}
