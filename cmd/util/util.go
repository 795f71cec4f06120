// Package util has error handling helpers shared by the CLI commands.
package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/abyss-io/abyss/pkg/errors"
)

// HandleFatalError prints the error in its user-facing form and exits.
// Friendly errors are printed verbatim, everything else with its context
// chain.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic recovers from a panic anywhere in the command, logs the
// stack, and exits non-zero so scripts don't mistake a crash for success.
// It should be installed with `defer` at the top of main.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("stack", string(debug.Stack())).Errorf("Panicked: %v", r)
	fmt.Fprintln(os.Stderr, "Aborted due to an internal error. "+
		"Re-run with ABYSS_LOG_VERBOSE=true for details.")
	os.Exit(1)
}
