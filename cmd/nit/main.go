// Package main implements the nit CLI: a pre-commit lint driver that runs
// sandboxed WebAssembly linters over repository files.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/nit/internal/version"
)

const (
	exitClean    = 0
	exitFindings = 1
	exitConfig   = 2
)

func main() {
	app := &cli.App{
		Name:    "nit",
		Usage:   "Run sandboxed Wasm linters over your repository",
		Version: version.Info(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default: .nit.json in the repository root)",
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Repository root (default: detected via git, else the working directory)",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored output",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			fetchCommand(),
			setMetadataCommand(),
			installCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitCoder errors terminate inside Run; anything surfacing here is
		// a load-time problem and maps to the configuration exit code
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
}
