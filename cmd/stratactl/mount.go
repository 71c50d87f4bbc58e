package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	mountLayers   []string
	mountManifest string
)

var mountCmd = &cobra.Command{
	Use:   "mount ROOT",
	Short: "Mount a union view over a directory",
	Long: `Mount a writable union view over ROOT. The directory is created when
it does not exist. Layers are given highest-priority first: when two
layers provide the same file, the one listed first wins.

Examples:
  # Overlay a dotfiles layer onto the home directory
  stratactl mount ~/ --layer ~/dotfiles/work

  # Map a layer onto a subpath of the root
  stratactl mount ~/ --layer ~/dotfiles/nvim:.config/nvim

  # Mount from a manifest file
  stratactl mount ~/project --manifest strata.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringArrayVar(&mountLayers, "layer", nil, "layer as SOURCE[:TARGET], repeatable, highest priority first")
	mountCmd.Flags().StringVar(&mountManifest, "manifest", "", "mapping manifest file (strata.yaml)")
}

func runMount(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	specs, err := resolveMappings(mountLayers, mountManifest)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}

	resp, err := c.Mount(ctx, root, specs)
	if err != nil {
		return err
	}
	printWarnings(cmd, resp.Warnings)
	cmd.Printf("mounted %s (id %d, manifest v%d, %d layers)\n", resp.Root, resp.ID, resp.Version, len(specs))
	return nil
}
