package kv

import (
	"fmt"

	"github.com/ValentinKolb/rangekv/cmd/util"
	"github.com/spf13/cobra"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key of the node's serving range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			v, err := adminClient.Put(cmd.Context(), key, []byte(value))
			if err != nil {
				return err
			}
			fmt.Printf("set successfully, version=%s\n", v)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			resp, ok, err := adminClient.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := adminClient.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("delete successfully, version=%s\n", v)
			return nil
		},
	}
	metainfoCmd = &cobra.Command{
		Use:   "metainfo [start] [end]",
		Short: "Prints the versions stored for the keys [start, end)",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var start, end string
			if len(args) > 0 {
				start = args[0]
			}
			if len(args) > 1 {
				end = args[1]
			}
			meta, err := adminClient.Metainfo(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			for _, e := range meta.Entries() {
				fmt.Printf("%s  %s\n", e.Range, e.Value)
			}
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints statistics about the node and its store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := adminClient.Info(cmd.Context())
			if err != nil {
				return err
			}
			return util.PrintJSON(info)
		},
	}
	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Prints the node's metrics in the Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := adminClient.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		},
	}
)
