package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strandcdn/strand/cmd/edge"
	"github.com/strandcdn/strand/cmd/origin"
	"github.com/strandcdn/strand/cmd/relay"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "strand",
		Short: "two-tier routing and caching fabric",
		Long: fmt.Sprintf(`strand (v%s)

A two-tier anycast routing/caching fabric for live streaming:
edge nodes terminate clients and own sessions, relay nodes cache
near the origin and carry origin-initiated QUIC tunnels.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of strand",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strand v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(edge.EdgeCmd)
	RootCmd.AddCommand(relay.RelayCmd)
	RootCmd.AddCommand(origin.OriginCmd)
}
