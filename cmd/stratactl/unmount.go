package main

import (
	"github.com/spf13/cobra"
)

var unmountID uint64

var unmountCmd = &cobra.Command{
	Use:     "unmount [ROOT]",
	Aliases: []string{"umount"},
	Short:   "Tear down a union view",
	Long: `Unmount the union view over ROOT, or over the mount addressed with
--id. The real directory and all layers are left exactly as they are;
only the overlay goes away. Unmounting something that is not mounted is
not an error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnmount,
}

func init() {
	unmountCmd.Flags().Uint64Var(&unmountID, "id", 0, "mount id instead of root path")
}

func runUnmount(cmd *cobra.Command, args []string) error {
	ref, err := targetRef(args, unmountID)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}

	if err := c.Unmount(ctx, ref); err != nil {
		return err
	}
	cmd.Println("unmounted")
	return nil
}
