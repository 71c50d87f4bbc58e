package main

import (
	"github.com/spf13/cobra"
)

var (
	updateID       uint64
	updateLayers   []string
	updateManifest string
)

var updateCmd = &cobra.Command{
	Use:   "update [ROOT]",
	Short: "Swap the layer set of a live mount",
	Long: `Replace the mapping set of a live mount without remounting. Running
operations finish against the old set; every operation that starts after
the swap sees the new one. Open file handles keep working: they hold
their backend file, not a mapping.

Examples:
  # Switch the home overlay to the personal profile
  stratactl update ~/ --layer ~/dotfiles/personal

  # Drop all layers, leaving the real tree visible as-is
  stratactl update ~/`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().Uint64Var(&updateID, "id", 0, "mount id instead of root path")
	updateCmd.Flags().StringArrayVar(&updateLayers, "layer", nil, "layer as SOURCE[:TARGET], repeatable, highest priority first")
	updateCmd.Flags().StringVar(&updateManifest, "manifest", "", "mapping manifest file (strata.yaml)")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ref, err := targetRef(args, updateID)
	if err != nil {
		return err
	}
	specs, err := resolveMappings(updateLayers, updateManifest)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}

	resp, err := c.Update(ctx, ref, specs)
	if err != nil {
		return err
	}
	printWarnings(cmd, resp.Warnings)
	cmd.Printf("updated to manifest v%d (%d layers)\n", resp.Version, len(specs))
	return nil
}
