package backfill

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/rangekv/cmd/util"
	"github.com/ValentinKolb/rangekv/rpc/client"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	adminClient *client.AdminClient

	// BackfillCommands represents the backfill command group
	BackfillCommands = &cobra.Command{
		Use:               "backfill",
		Short:             "Start and follow backfills of a node",
		PersistentPreRunE: setupClient,
		PersistentPostRun: func(*cobra.Command, []string) {
			if adminClient != nil {
				adminClient.Close()
			}
		},
	}

	startCmd = &cobra.Command{
		Use:   "start [peer] [start] [end]",
		Short: "Backfill the keys [start, end) from peer. Without end the range reaches to the end of the key space",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			end := ""
			if len(args) == 3 {
				end = args[2]
			}
			id, err := adminClient.StartBackfill(cmd.Context(), common.PeerID(args[0]), args[1], end)
			if err != nil {
				return err
			}

			wait, _ := cmd.Flags().GetBool("wait")
			if !wait {
				fmt.Println(id)
				return nil
			}
			rep, err := adminClient.WaitBackfill(cmd.Context(), id, 200*time.Millisecond)
			if err != nil {
				return err
			}
			if err := util.PrintJSON(rep); err != nil {
				return err
			}
			if rep.Error != "" {
				return fmt.Errorf("backfill %s failed: %s", id, rep.Error)
			}
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status [id]",
		Short: "Print the progress report of a backfill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			rep, err := adminClient.BackfillStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			return util.PrintJSON(rep)
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the active and recently finished backfills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reps, err := adminClient.ListBackfills(cmd.Context())
			if err != nil {
				return err
			}
			for _, rep := range reps {
				fmt.Printf("%s  %-11s %5.1f%%  %-4s %s\n", rep.ID, rep.State, rep.Fraction*100, rep.Peer, rep.Region)
			}
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common client flags to the backfill command
	util.SetupAdminClientFlags(BackfillCommands)

	startCmd.Flags().Bool("wait", false, util.WrapString("Wait for the backfill to finish and print its report"))

	// Add subcommands
	BackfillCommands.AddCommand(startCmd)
	BackfillCommands.AddCommand(statusCmd)
	BackfillCommands.AddCommand(listCmd)
}

// setupClient initializes the admin client
func setupClient(cmd *cobra.Command, _ []string) error {
	c, err := util.NewAdminClient(cmd)
	if err != nil {
		return err
	}
	adminClient = c
	return nil
}
