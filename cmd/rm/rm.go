package rm

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/abyss-io/abyss/cmd/util"
	"github.com/abyss-io/abyss/pkg/backend"
	"github.com/abyss-io/abyss/pkg/config"
	"github.com/abyss-io/abyss/pkg/errors"
)

// New creates a new `rm` command.
func New() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm TARGET",
		Short: "Delete a file or directory on any pane.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], recursive); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false,
		"Delete directories and their contents.")
	return cmd
}

func run(arg string, recursive bool) error {
	cfg, err := config.ParseOptional("")
	if err != nil {
		return err
	}

	ctx := context.Background()
	target, err := backend.Resolve(ctx, cfg, arg)
	if err != nil {
		return err
	}
	defer target.Close()

	if err := target.Backend.Delete(ctx, target.Path, recursive); err != nil {
		return errors.WithContext(err, "delete "+target.Raw)
	}
	return nil
}
