package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/nit/internal/metadata"
)

func setMetadataCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-metadata",
		Usage:     "Embed an invocation contract into a module",
		ArgsUsage: "MODULE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "metadata",
				Usage:    "Path to the contract document (JSON, comments allowed)",
				Required: true,
			},
		},
		Action: setMetadataAction,
	}
}

func setMetadataAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("Error: set-metadata takes exactly one module path", exitConfig)
	}
	modulePath := c.Args().First()

	contractData, err := os.ReadFile(c.String("metadata"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	contract, err := metadata.ParseContract(contractData)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	module, err := os.ReadFile(modulePath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	updated, err := metadata.Write(module, contract)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	if err := replaceFile(modulePath, updated); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	fmt.Printf("Embedded %s section into %s\n", metadata.SectionName, modulePath)
	return nil
}

// replaceFile swaps a file's content atomically via a sibling temp file.
func replaceFile(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".nit-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
