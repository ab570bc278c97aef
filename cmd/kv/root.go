package kv

import (
	"github.com/ValentinKolb/rangekv/cmd/util"
	"github.com/ValentinKolb/rangekv/rpc/client"
	"github.com/spf13/cobra"
)

var (
	adminClient *client.AdminClient

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:               "kv",
		Short:             "Perform key-value operations on a node",
		PersistentPreRunE: setupKVClient,
		PersistentPostRun: func(*cobra.Command, []string) {
			if adminClient != nil {
				adminClient.Close()
			}
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common client flags to the KV command
	util.SetupAdminClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(metainfoCmd)
	KeyValueCommands.AddCommand(infoCmd)
	KeyValueCommands.AddCommand(metricsCmd)
}

// setupKVClient initializes the admin client
func setupKVClient(cmd *cobra.Command, _ []string) error {
	c, err := util.NewAdminClient(cmd)
	if err != nil {
		return err
	}
	adminClient = c
	return nil
}
