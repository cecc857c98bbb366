package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"concallbot/internal/app"
	"concallbot/internal/universe"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "concallbot",
		Short:         "Posts corporate results from concall.in to a Telegram channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scheduler until interrupted",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd.Context(), cfgPath) },
		},
		&cobra.Command{
			Use:   "once",
			Short: "Run one poll cycle and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return foreground(cmd, cfgPath, func(ctx context.Context, a *app.App) (any, error) { return a.RunOnce(ctx) })
			},
		},
		&cobra.Command{
			Use:   "upcoming",
			Short: "Post tomorrow's upcoming results digest and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return foreground(cmd, cfgPath, func(ctx context.Context, a *app.App) (any, error) { return a.RunUpcoming(ctx) })
			},
		},
		&cobra.Command{
			Use:   "match NAME...",
			Short: "Resolve company names against the universe",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := app.LoadMatcher(cfgPath)
				if err != nil {
					return err
				}
				return printMatches(cmd, m, args)
			},
		},
	)
	return root
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

// foreground builds the app, runs fn once and prints its report as JSON.
func foreground(cmd *cobra.Command, cfgPath string, fn func(context.Context, *app.App) (any, error)) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	rep, runErr := fn(ctx, a)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, app.StopDone)

	if rep != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	}
	return errors.Join(runErr, stopErr)
}

func printMatches(cmd *cobra.Command, m *universe.Matcher, names []string) error {
	out := cmd.OutOrStdout()
	misses := 0
	for _, name := range names {
		r, ok := m.Match(name)
		if !ok {
			misses++
			fmt.Fprintf(out, "%-40s  no match\n", name)
			continue
		}
		sym := m.Universe().Symbol(r.Canonical)
		fmt.Fprintf(out, "%-40s  %s [%s] via %s (%.2f)\n", name, r.Canonical, strings.TrimSpace(sym), r.Strategy, r.Score)
	}
	if misses > 0 {
		return fmt.Errorf("%d of %d names unmatched", misses, len(names))
	}
	return nil
}
