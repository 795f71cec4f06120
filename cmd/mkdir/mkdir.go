package mkdir

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/abyss-io/abyss/cmd/util"
	"github.com/abyss-io/abyss/pkg/backend"
	"github.com/abyss-io/abyss/pkg/config"
	"github.com/abyss-io/abyss/pkg/errors"
)

// New creates a new `mkdir` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir TARGET",
		Short: "Create a directory, including missing parents, on any pane.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(arg string) error {
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

	if err := target.Backend.Mkdir(ctx, target.Path); err != nil {
		return errors.WithContext(err, "mkdir "+target.Raw)
	}
	return nil
}
