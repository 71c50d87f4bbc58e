package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List live mounts",
	Long: `List every union view the daemon is serving, with its mount id,
root, manifest version and lifecycle state.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}

	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if len(resp.Mounts) == 0 {
		cmd.Println("no mounts")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROOT\tMANIFEST\tSTATE")
	for _, m := range resp.Mounts {
		fmt.Fprintf(w, "%d\t%s\tv%d\t%s\n", m.ID, m.Root, m.Version, m.State)
	}
	return w.Flush()
}
