// Command shaperd is the daemon entrypoint: it parses flags, loads
// configuration, and wires every subsystem package into a single
// running process.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openqos/shaperd/pkg/config"
	"github.com/openqos/shaperd/pkg/log"
)

// Version is overridden at build time via -ldflags "-X main.Version=vX.Y.Z".
var Version = "dev"

func main() {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "shaperd",
		Short:         "Network traffic-shaping control plane daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(zerolog.DebugLevel)
			} else {
				log.SetLevel(zerolog.InfoLevel)
			}
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", config.DefaultPath, "path to shaperd.conf")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
