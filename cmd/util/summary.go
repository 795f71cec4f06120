package util

import (
	"fmt"
	"os"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/sync"
)

// PrintSummary reports the result of a transfer run. Errors are grouped by
// kind with only the first of each printed in full. It returns a non-nil
// error when any action failed so callers exit non-zero.
func PrintSummary(summary *sync.Summary) error {
	fmt.Println(summary)

	for _, group := range summary.ErrorGroups() {
		fmt.Fprintf(os.Stderr, "%s: %s\n",
			group.Path, errors.GetPrintableMessage(group.First))
		if group.Suppressed > 0 {
			fmt.Fprintf(os.Stderr, "  ... and %d more %s errors\n",
				group.Suppressed, group.Kind)
		}
	}

	if summary.Failed > 0 {
		return errors.NewFriendlyError("%d actions failed.", summary.Failed)
	}
	return nil
}
