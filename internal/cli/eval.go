package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/compiler"
	"github.com/dchambers/composer/internal/engine"
	"github.com/dchambers/composer/internal/value"
)

// EvalOptions holds flags for the eval command.
type EvalOptions struct {
	*RootOptions
	Sets []string
	Gets []string
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eval <model-dir>",
		Short: "Seal a model, apply writes, and read values",
		Long: `Seal a model from a definition directory, apply --set writes in one
batch, and print the requested values.

Values given to --set are decoded as JSON when they parse (10, true,
"text", [1,2]), else taken as raw strings. With no --get flags every
live property is printed in tree order.

Examples:
  composer eval ./models/rates --get rates/product
  composer eval ./models/rates --set rates/base=10 --get rates/product
  composer eval ./models/grid --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Sets, "set", nil, "write path=value before reading (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Gets, "get", nil, "path to read (repeatable)")

	return cmd
}

func runEval(opts *EvalOptions, dir string, cmd *cobra.Command) error {
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

	paths, values, err := readValues(eng, opts.Gets)
	if err != nil {
		return outputRuntimeError(formatter, "read values", err)
	}

	return outputEvalResult(formatter, paths, values)
}

// readValues resolves the requested paths, or every live property in
// tree order when none were requested.
func readValues(eng *engine.Engine, gets []string) ([]string, map[string]cty.Value, error) {
	values := make(map[string]cty.Value)
	if len(gets) > 0 {
		for _, path := range gets {
			v, err := eng.Get(path)
			if err != nil {
				return nil, nil, err
			}
			values[path] = v
		}
		return gets, values, nil
	}

	var paths []string
	err := eng.Walk(func(path string, v cty.Value) bool {
		paths = append(paths, path)
		values[path] = v
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	return paths, values, nil
}

// outputEvalResult prints one "path = value" line per read in text
// mode, or a path-keyed object in JSON mode.
func outputEvalResult(formatter *OutputFormatter, paths []string, values map[string]cty.Value) error {
	if formatter.Format == "json" {
		data := make(map[string]any, len(values))
		for path, v := range values {
			native, err := value.ToAny(v)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("render %s", path), err)
			}
			data[path] = native
		}
		return formatter.Success(map[string]any{"values": data})
	}

	for _, path := range paths {
		fmt.Fprintf(formatter.Writer, "%s = %s\n", path, value.Format(values[path]))
	}
	return nil
}
