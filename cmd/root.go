package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/rangekv/cmd/backfill"
	"github.com/ValentinKolb/rangekv/cmd/kv"
	"github.com/ValentinKolb/rangekv/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "rkv",
		Short: "sharded, replicated key-range store",
		Long: fmt.Sprintf(`rangekv (v%s)

A sharded, replicated key-range store written in Go. Replicas catch up
with each other by backfilling key ranges while they keep serving traffic.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rangekv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rangekv v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(backfill.BackfillCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
