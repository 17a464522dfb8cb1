package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dchambers/composer/internal/compiler"
	"github.com/dchambers/composer/internal/snapshot"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Sets   []string
	Output string // output file path
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <model-dir>",
		Short: "Capture a sealed model's values as snapshot JSON",
		Long: `Seal a model, apply --set writes, and capture the committed values
as a snapshot: path-keyed JSON in byte-stable form (sorted keys,
two-space indent). The snapshot restores into any same-shape model.

Examples:
  composer export ./models/rates
  composer export ./models/rates --set rates/base=10 -o rates.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Sets, "set", nil, "write path=value before capturing (repeatable)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runExport(opts *ExportOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	eng, err := sealModel(dir, compiler.FailFast, commandLogger(opts.Verbose, cmd.ErrOrStderr()))
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer eng.Close()

	if err := applySets(eng, opts.Sets); err != nil {
		return outputRuntimeError(formatter, "apply writes", err)
	}

	snap, err := snapshot.Export(eng)
	if err != nil {
		return outputRuntimeError(formatter, "capture snapshot", err)
	}
	formatter.VerboseLog("Captured %d value(s) from model %q", len(snap.Values), snap.Model)

	if opts.Output != "" {
		data, err := snap.Bytes()
		if err != nil {
			return WrapExitError(ExitFailure, "serialize snapshot", err)
		}
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return outputRuntimeError(formatter, "write snapshot",
				NewExitError(ExitCommandError, fmt.Sprintf("write %s: %v", opts.Output, err)))
		}
		return outputExportWritten(formatter, snap, opts.Output)
	}

	if formatter.Format == "json" {
		return formatter.Success(snap)
	}
	return snap.Write(formatter.Writer)
}

// outputExportWritten confirms a file write.
func outputExportWritten(formatter *OutputFormatter, snap *snapshot.Snapshot, path string) error {
	if formatter.Format == "json" {
		return formatter.Success(map[string]any{
			"model":  snap.Model,
			"values": len(snap.Values),
			"file":   path,
		})
	}
	fmt.Fprintf(formatter.Writer, "Wrote %d value(s) to %s\n", len(snap.Values), path)
	return nil
}
