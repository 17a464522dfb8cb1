package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dchambers/composer/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Command RunE funcs print their own structured error output;
		// anything else (flag and usage errors) is reported here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
