package sync

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/abyss-io/abyss/cmd/util"
	"github.com/abyss-io/abyss/pkg/backend"
	"github.com/abyss-io/abyss/pkg/config"
	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/fswatch"
	"github.com/abyss-io/abyss/pkg/scan"
	"github.com/abyss-io/abyss/pkg/sync"
	"github.com/abyss-io/abyss/pkg/vfs"
)

type flags struct {
	mode     string
	strategy string
	exclude  []string
	dryRun   bool
	watch    bool
	workers  int
	bwLimit  int
	compress bool
	verify   bool
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "sync SRC DST",
		Short: "Reconcile two directory trees.",
		Long: "Reconcile two directory trees.\n\n" +
			"Both trees are scanned, every path is classified, and the\n" +
			"resulting plan is executed through a worker pool. A second run\n" +
			"over an already-synced pair is a no-op.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], args[1], f); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&f.mode, "mode", string(sync.OneWay),
		"Sync mode: oneway, bidirectional, or mirror.")
	cmd.Flags().StringVar(&f.strategy, "strategy", string(sync.NewestWins),
		"Conflict strategy: newest-wins, source-wins, destination-wins, or manual.")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil,
		"Glob patterns to skip. A directory match covers its subtree.")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false,
		"Print the plan without executing it.")
	cmd.Flags().BoolVar(&f.watch, "watch", false,
		"Keep running and re-sync when the local source tree changes.")
	cmd.Flags().IntVar(&f.workers, "workers", 0,
		"Number of concurrent transfers. Zero picks a default.")
	cmd.Flags().IntVar(&f.bwLimit, "bwlimit", 0,
		"Throughput cap in bytes per second. Zero means unlimited.")
	cmd.Flags().BoolVar(&f.compress, "compress", false,
		"Compress data in flight.")
	cmd.Flags().BoolVar(&f.verify, "verify", false,
		"Re-read each file after writing and compare fingerprints.")
	return cmd
}

func run(srcArg, dstArg string, f flags) error {
	mode, err := sync.ParseMode(f.mode)
	if err != nil {
		return err
	}
	strategy, err := sync.ParseStrategy(f.strategy)
	if err != nil {
		return err
	}

	cfg, err := config.ParseOptional("")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	src, err := backend.Resolve(ctx, cfg, srcArg)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := backend.Resolve(ctx, cfg, dstArg)
	if err != nil {
		return err
	}
	defer dst.Close()

	s := syncer{
		src:  vfs.Sub(src.Backend, src.Path),
		dst:  vfs.Sub(dst.Backend, dst.Path),
		opts: sync.Options{Mode: mode, Strategy: strategy, Exclude: f.exclude},
		f:    f,
	}

	if !f.watch {
		return s.once(ctx)
	}

	if src.LocalPath == "" {
		return errors.NewFriendlyError(
			"--watch requires the source to be on local disk, but %q isn't.",
			src.Raw)
	}
	if err := s.once(ctx); err != nil {
		log.WithError(err).Error("Sync failed, still watching")
	}

	trigger, cleanup, err := fswatch.Watch(
		[]string{src.LocalPath}, sync.Excluded(f.exclude))
	if err != nil {
		return errors.WithContext(err, "watch "+src.Raw)
	}
	defer cleanup()

	log.Infof("Watching %s for changes. Press Ctrl-C to stop.", src.Raw)
	for {
		select {
		case <-trigger:
			if err := s.once(ctx); err != nil {
				log.WithError(err).Error("Sync failed, still watching")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

type syncer struct {
	src, dst vfs.Backend
	opts     sync.Options
	f        flags
}

func (s syncer) once(ctx context.Context) error {
	srcSnap, err := scan.Scan(ctx, s.src, ".")
	if err != nil {
		return errors.WithContext(err, "scan source")
	}
	dstSnap, err := scan.Scan(ctx, s.dst, ".")
	if err != nil {
		return errors.WithContext(err, "scan destination")
	}
	for p, scanErr := range srcSnap.Failed {
		log.WithError(scanErr).Warnf("Skipping unreadable source path %q", p)
	}
	for p, scanErr := range dstSnap.Failed {
		log.WithError(scanErr).Warnf("Skipping unreadable destination path %q", p)
	}

	plan := sync.Diff(srcSnap, dstSnap, s.opts)
	if s.f.dryRun {
		printPlan(plan)
		return nil
	}

	events := make(chan sync.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Done && ev.Err == nil {
				log.Debugf("%s %s", ev.Action, ev.Path)
			}
		}
	}()

	exec := sync.Executor{
		Source:   s.src,
		Dest:     s.dst,
		Workers:  s.f.workers,
		Compress: s.f.compress,
		Verify:   s.f.verify,
		Events:   events,
	}
	if s.f.bwLimit > 0 {
		exec.Limit = sync.NewLimiter(s.f.bwLimit)
	}

	summary := exec.Run(ctx, plan)
	close(events)
	<-done

	for _, conflict := range plan.Conflicts() {
		fmt.Fprintf(os.Stderr,
			"conflict: %s changed on both sides, re-run with --strategy to pick a winner\n",
			conflict.Path)
	}
	return util.PrintSummary(summary)
}

func printPlan(plan *sync.Plan) {
	if len(plan.Actions) == 0 {
		fmt.Println("Nothing to do.")
		return
	}
	for _, a := range plan.Actions {
		if a.Direction == sync.Pull {
			fmt.Printf("%s %s (pull)\n", a.Type, a.Path)
			continue
		}
		fmt.Printf("%s %s\n", a.Type, a.Path)
	}
}
