package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var whichID uint64

var whichCmd = &cobra.Command{
	Use:   "which [ROOT] PATH",
	Short: "Show which backend owns a path",
	Long: `Report whether PATH inside a mounted union view comes from the real
tree or from a layer, and which backend file serves it. PATH is relative
to the mount root.

Examples:
  stratactl which ~/ .config/nvim/init.lua
  stratactl which --id 1 .bashrc`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWhich,
}

func init() {
	whichCmd.Flags().Uint64Var(&whichID, "id", 0, "mount id instead of root path")
}

func runWhich(cmd *cobra.Command, args []string) error {
	path := args[len(args)-1]
	ref, err := targetRef(args[:len(args)-1], whichID)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}

	resp, err := c.Which(ctx, ref, path)
	if err != nil {
		return err
	}
	if !resp.Exists {
		return fmt.Errorf("%s: not found in the union view", path)
	}

	if resp.BackendPath != "" {
		cmd.Printf("%s\t%s\n", resp.Owner, resp.BackendPath)
	} else {
		cmd.Printf("%s\t(synthetic directory)\n", resp.Owner)
	}
	return nil
}
