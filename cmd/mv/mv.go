package mv

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

// New creates a new `mv` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "mv SRC DST",
		Short: "Move a file or directory tree, within or across panes.",
		Long: "Move a file or directory tree, within or across panes.\n\n" +
			"Moves within one pane use the backend's rename when it has one.\n" +
			"Everything else falls back to copy followed by delete, and the\n" +
			"source is only deleted after every file copied cleanly.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], args[1]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(srcArg, dstArg string) error {
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
	if dstEntry, err := dst.Backend.Stat(ctx, dstPath); err == nil {
		if dstEntry.IsDir() {
			dstPath = path.Join(dstPath, path.Base(src.Path))
		}
	} else if !errors.IsNotFound(err) {
		return errors.WithContext(err, "stat "+dst.Raw)
	}

	sameBackend := src.Backend.String() == dst.Backend.String()
	if sameBackend && src.Backend.Capabilities().Rename {
		err := src.Backend.Rename(ctx, src.Path, dstPath)
		if err != nil {
			return errors.WithContext(err, "rename")
		}
		return nil
	}

	if err := copyTree(ctx, src, dst, srcEntry, dstPath); err != nil {
		return err
	}
	return src.Backend.Delete(ctx, src.Path, true)
}

// copyTree moves the contents by copy. It fails without touching the
// source if any file didn't transfer.
func copyTree(ctx context.Context, src, dst backend.Target,
	srcEntry vfs.Entry, dstPath string) error {

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
	exec := sync.Executor{Source: srcView, Dest: dstView}
	return util.PrintSummary(exec.Run(ctx, plan))
}
