package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/nit/internal/git"
)

// hookMarker identifies hooks nit wrote, so installs never clobber a
// hand-written hook without --force.
const hookMarker = "# installed by nit"

func installCommand() *cli.Command {
	return &cli.Command{
		Name:  "install",
		Usage: "Install a git hook that runs nit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "hook-type",
				Usage: "Hook to install: pre-commit or pre-push",
				Value: "pre-commit",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing hook not written by nit",
			},
		},
		Action: installAction,
	}
}

func installAction(c *cli.Context) error {
	hookType := c.String("hook-type")
	var invocation string
	switch hookType {
	case "pre-commit":
		invocation = "nit run"
	case "pre-push":
		invocation = "nit run --all-uncommitted"
	default:
		return cli.Exit(fmt.Sprintf("Error: unknown hook type %q", hookType), exitConfig)
	}

	dir := c.String("root")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
		}
		dir = cwd
	}
	provider, err := git.NewProvider(dir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	hooksDir, err := provider.HooksDir(context.Background())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	hookPath := filepath.Join(hooksDir, hookType)

	if existing, err := os.ReadFile(hookPath); err == nil {
		if !strings.Contains(string(existing), hookMarker) && !c.Bool("force") {
			return cli.Exit(fmt.Sprintf("Error: %s exists and was not written by nit (use --force to replace)", hookPath), exitConfig)
		}
	}

	script := "#!/bin/sh\n" + hookMarker + "\nexec " + invocation + "\n"
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	if err := os.WriteFile(hookPath, []byte(script), 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	fmt.Printf("Installed %s hook at %s\n", hookType, hookPath)
	return nil
}
