package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/nit/internal/config"
	"github.com/standardbeagle/nit/internal/dispatch"
	"github.com/standardbeagle/nit/internal/enumerate"
	"github.com/standardbeagle/nit/internal/fetch"
	"github.com/standardbeagle/nit/internal/git"
	"github.com/standardbeagle/nit/internal/predicate"
	"github.com/standardbeagle/nit/internal/sandbox"
	"github.com/standardbeagle/nit/internal/store"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run configured linters and report findings",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Lint every tracked file instead of changed files",
			},
			&cli.BoolFlag{
				Name:  "all-uncommitted",
				Usage: "Treat everything changed since HEAD as the candidate set",
			},
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "Only lint files matching glob patterns (e.g., --include '*.go' --include 'src/**/*.ts')",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Skip files matching glob patterns (e.g., --exclude 'vendor/**')",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Cap concurrently executing invocations (default: CPU count)",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Cancel the run on the first failure",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output the report as JSON",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, provider, err := resolveRoot(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	cfg, err := loadConfig(c, root)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	if err := applyFlagFilters(c, cfg); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	var candidates []*enumerate.Candidate
	switch {
	case c.Bool("all") && provider != nil:
		candidates, err = enumerate.Tracked(ctx, root, provider)
	case c.Bool("all"):
		// Outside a repository nothing is tracked; walk the tree instead
		candidates, err = enumerate.Walk(ctx, root)
	case provider == nil:
		return cli.Exit("Error: changed-files mode needs a git repository (use --all to lint everything)", exitConfig)
	default:
		candidates, err = enumerate.Changed(ctx, root, provider, c.Bool("all-uncommitted"))
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: enumerate files: %v", err), exitConfig)
	}

	cacheRoot, err := store.DefaultRoot()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}
	s, err := store.Open(cacheRoot)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
	}

	jsonOut := c.Bool("json")

	var fetchOpts []fetch.Option
	if !jsonOut {
		fetchOpts = append(fetchOpts, fetch.WithProgress(newProgressSink()))
	}
	fetcher := fetch.New(s, fetchOpts...)

	opts := dispatch.Options{
		Root:        root,
		Concurrency: cfg.EffectiveConcurrency(c.Int("concurrency")),
		FailFast:    cfg.FailFast || c.Bool("fail-fast"),
	}
	if !jsonOut {
		opts.OnEvent = func(e dispatch.Event) {
			fmt.Fprintf(os.Stderr, "  %s (%d files, %s) %d left\n",
				e.Linter, len(e.Outcome.Files), e.Outcome.Duration.Round(timeRounding), e.Remaining)
		}
	}

	d := dispatch.New(s, fetcher, sandbox.NewHost())
	rep := d.Run(ctx, cfg, candidates, opts)

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return cli.Exit(fmt.Sprintf("Error: %v", err), exitConfig)
		}
	} else {
		rep.Render(os.Stdout, c.Bool("no-color"))
	}

	if code := rep.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// resolveRoot picks the repository root: the flag wins, then git discovery
// from the working directory. The provider is nil outside a git repository.
func resolveRoot(c *cli.Context) (string, *git.Provider, error) {
	if flagRoot := c.String("root"); flagRoot != "" {
		provider, err := git.NewProvider(flagRoot)
		if err != nil {
			// Not a repository: still usable with --all
			return flagRoot, nil, nil
		}
		return provider.RepoRoot(), provider, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", nil, err
	}
	provider, err := git.NewProvider(cwd)
	if err != nil {
		return cwd, nil, nil
	}
	return provider.RepoRoot(), provider, nil
}

// applyFlagFilters folds --include/--exclude globs into the loaded config:
// include flags replace the config's include tree, exclude flags accumulate
// onto it. Patterns are validated here so a typo surfaces as a config error.
func applyFlagFilters(c *cli.Context, cfg *config.Config) error {
	if patterns := c.StringSlice("include"); len(patterns) > 0 {
		spec, err := globUnion(patterns)
		if err != nil {
			return err
		}
		cfg.Include = spec
	}
	if patterns := c.StringSlice("exclude"); len(patterns) > 0 {
		spec, err := globUnion(patterns)
		if err != nil {
			return err
		}
		if cfg.Exclude != nil {
			spec = predicate.OrSpec(cfg.Exclude, spec)
		}
		cfg.Exclude = spec
	}
	return nil
}

// globUnion builds the spec matching any of the given glob patterns.
func globUnion(patterns []string) (*predicate.Spec, error) {
	specs := make([]*predicate.Spec, 0, len(patterns))
	for _, p := range patterns {
		s := predicate.GlobSpec(p)
		if _, err := s.Compile(); err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	if len(specs) == 1 {
		return specs[0], nil
	}
	return predicate.OrSpec(specs...), nil
}

func loadConfig(c *cli.Context, root string) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		discovered, err := config.Discover(root)
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}
