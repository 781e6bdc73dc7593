package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	nerrors "github.com/standardbeagle/nit/internal/errors"
	"github.com/standardbeagle/nit/internal/fetch"
	"github.com/standardbeagle/nit/internal/store"
)

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:   "fetch",
		Usage:  "Download every configured linter into the cache without running",
		Action: fetchAction,
	}
}

func fetchAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, _, err := resolveRoot(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	cfg, err := loadConfig(c, root)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	cacheRoot, err := store.DefaultRoot()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	s, err := store.Open(cacheRoot)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	fetcher := fetch.New(s, fetch.WithProgress(newProgressSink()))

	// Warm every remote linter, collecting all failures rather than
	// stopping at the first: a half-warm cache is still worth reporting
	// accurately.
	var g errgroup.Group
	errs := make([]error, len(cfg.Linters))
	warmed := 0
	for i := range cfg.Linters {
		i, l := i, &cfg.Linters[i]
		if !l.IsRemote() {
			continue
		}
		warmed++
		g.Go(func() error {
			if _, err := fetcher.Fetch(ctx, l.URL, l.ParsedDigest()); err != nil {
				errs[i] = fmt.Errorf("%s: %w", l.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if merr := nerrors.NewMultiError(errs); len(merr.Errors) > 0 {
		for _, err := range merr.Errors {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return cli.Exit("", exitFindings)
	}
	fmt.Printf("Cache warm: %d remote linter(s) in %s\n", warmed, s.Root())
	return nil
}
