package cp

import (
	"context"
	"path"

	"github.com/spf13/cobra"

	"github.com/abyss-io/abyss/cmd/util"
	"github.com/abyss-io/abyss/pkg/backend"
	"github.com/abyss-io/abyss/pkg/config"
	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/scan"
	"github.com/abyss-io/abyss/pkg/sync"
	"github.com/abyss-io/abyss/pkg/vfs"
)

type flags struct {
	workers  int
	bwLimit  int
	compress bool
	verify   bool
}

// New creates a new `cp` command.
func New() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "cp SRC DST",
		Short: "Copy a file or directory tree between panes.",
		Long: "Copy a file or directory tree between panes.\n\n" +
			"SRC and DST are plain local paths or `pane:path` targets.\n" +
			"Directories are copied recursively; files already identical on\n" +
			"the destination are skipped.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], args[1], f); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
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
	cfg, err := config.ParseOptional("")
	if err != nil {
		return err
	}

	ctx := context.Background()
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

	srcEntry, err := src.Backend.Stat(ctx, src.Path)
	if err != nil {
		return errors.WithContext(err, "stat "+src.Raw)
	}

	dstPath := dst.Path
	dstEntry, err := dst.Backend.Stat(ctx, dstPath)
	switch {
	case errors.IsNotFound(err):
	case err != nil:
		return errors.WithContext(err, "stat "+dst.Raw)
	case srcEntry.IsDir() && !dstEntry.IsDir():
		return errors.NewFriendlyError(
			"Cannot copy directory %q over non-directory %q.", src.Raw, dst.Raw)
	case !srcEntry.IsDir() && dstEntry.IsDir():
		// cp file dir/ writes dir/file, like the shell's cp.
		dstPath = path.Join(dstPath, path.Base(src.Path))
	}

	if srcEntry.IsDir() && dstPath != "." {
		if err := dst.Backend.Mkdir(ctx, dstPath); err != nil {
			return errors.WithContext(err, "create "+dst.Raw)
		}
	}

	srcView := vfs.Sub(src.Backend, src.Path)
	dstView := vfs.Sub(dst.Backend, dstPath)

	srcSnap, err := scan.Scan(ctx, srcView, ".")
	if err != nil {
		return errors.WithContext(err, "scan "+src.Raw)
	}
	dstSnap, err := scan.Scan(ctx, dstView, ".")
	if err != nil {
		return errors.WithContext(err, "scan "+dst.Raw)
	}

	plan := sync.Diff(srcSnap, dstSnap, sync.Options{
		Mode:     sync.OneWay,
		Strategy: sync.SourceWins,
	})

	exec := sync.Executor{
		Source:   srcView,
		Dest:     dstView,
		Workers:  f.workers,
		Compress: f.compress,
		Verify:   f.verify,
	}
	if f.bwLimit > 0 {
		exec.Limit = sync.NewLimiter(f.bwLimit)
	}

	return util.PrintSummary(exec.Run(ctx, plan))
}
