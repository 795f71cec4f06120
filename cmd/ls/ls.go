package ls

import (
	"context"
	"fmt"
	"os"
	"path"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/abyss-io/abyss/cmd/util"
	"github.com/abyss-io/abyss/pkg/backend"
	"github.com/abyss-io/abyss/pkg/config"
	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// New creates a new `ls` command.
func New() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls TARGET",
		Short: "List the contents of a directory on any pane.",
		Long: "List the contents of a directory on any pane.\n\n" +
			"TARGET is either a plain local path, or `pane:path` where `pane`\n" +
			"is a name from the Abyss config.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], long); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false,
		"Show size, modification time, and permissions.")
	return cmd
}

func run(arg string, long bool) error {
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

	entry, err := target.Backend.Stat(ctx, target.Path)
	if err != nil {
		return errors.WithContext(err, "stat "+target.Raw)
	}

	entries := []vfs.Entry{entry}
	if entry.IsDir() {
		entries, err = target.Backend.List(ctx, target.Path)
		if err != nil {
			return errors.WithContext(err, "list "+target.Raw)
		}
	}

	caps := target.Backend.Capabilities()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		name := path.Base(e.Path)
		if e.IsDir() {
			name += "/"
		}
		if !long {
			fmt.Fprintln(w, name)
			continue
		}

		mode := "-"
		if caps.Permissions {
			mode = e.Mode.String()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			mode, e.Size, e.ModTime.Format("2006-01-02 15:04:05"), name)
	}
	return w.Flush()
}
