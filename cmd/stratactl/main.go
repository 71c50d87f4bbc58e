// Command stratactl is the CLI for the strata daemon. Every command
// talks to stratad over the control socket, starting the daemon first
// when none is running.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"strata/internal/control"
	"strata/internal/manifest"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
)

var (
	socketFlag string
)

var rootCmd = &cobra.Command{
	Use:   "stratactl",
	Short: "Control the strata union filesystem daemon",
	Long: `stratactl manages writable union views served by stratad. A mount
overlays layer directories onto a real directory tree: files in layers
shadow same-named real files, directories merge, and new files land in
the real tree so layers stay pristine.

The daemon is started automatically when needed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "control socket path (default: per-user runtime socket)")
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(whichCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("stratactl %s\n", version)
	},
}

// connect dials the daemon, spawning it when necessary.
func connect(ctx context.Context) (*control.Client, error) {
	return control.Connect(ctx, socketFlag)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute)
}

// resolveMappings builds the wire mapping set from --layer flags or a
// manifest file. Exactly one of the two sources may be used.
func resolveMappings(layers []string, manifestFile string) ([]control.MappingSpec, error) {
	if manifestFile != "" {
		if len(layers) > 0 {
			return nil, fmt.Errorf("--layer and --manifest are mutually exclusive")
		}
		mappings, err := manifest.LoadFile(manifestFile, nil)
		if err != nil {
			return nil, err
		}
		return control.FromMappings(mappings), nil
	}

	specs := make([]control.MappingSpec, 0, len(layers))
	for _, l := range layers {
		spec, err := parseLayer(l)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// parseLayer parses SOURCE[:TARGET]. The target defaults to the mount
// root; whether the mapping is a file or a directory follows from what
// the source is on disk, defaulting to directory when it is absent.
func parseLayer(arg string) (control.MappingSpec, error) {
	source, target := arg, "/"
	if i := strings.LastIndex(arg, ":"); i > 0 {
		source, target = arg[:i], arg[i+1:]
	}
	if source == "" {
		return control.MappingSpec{}, fmt.Errorf("layer %q: empty source", arg)
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return control.MappingSpec{}, fmt.Errorf("layer %q: %w", arg, err)
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	isDir := true
	if info, err := os.Stat(abs); err == nil {
		isDir = info.IsDir()
	}
	return control.MappingSpec{Target: target, Source: abs, IsDir: isDir}, nil
}

// targetRef builds the mount reference from an optional positional root
// and an --id flag.
func targetRef(args []string, id uint64) (control.TargetRef, error) {
	if id != 0 {
		return control.TargetRef{ID: id}, nil
	}
	if len(args) == 0 {
		return control.TargetRef{}, fmt.Errorf("a mount root argument or --id is required")
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		return control.TargetRef{}, err
	}
	return control.TargetRef{Root: abs}, nil
}

func printWarnings(cmd *cobra.Command, warnings []string) {
	for _, w := range warnings {
		cmd.PrintErrf("warning: %s\n", w)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stratactl: %v\n", err)
		os.Exit(1)
	}
}
