package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	// Load the client authentication plugins needed for managed clusters.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/abyss-io/abyss/cmd/cp"
	"github.com/abyss-io/abyss/cmd/ls"
	mkdirCmd "github.com/abyss-io/abyss/cmd/mkdir"
	"github.com/abyss-io/abyss/cmd/mv"
	rmCmd "github.com/abyss-io/abyss/cmd/rm"
	syncCmd "github.com/abyss-io/abyss/cmd/sync"
	"github.com/abyss-io/abyss/cmd/util"
	"github.com/abyss-io/abyss/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "ABYSS_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "abyss",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		cp.New(),
		ls.New(),
		mkdirCmd.New(),
		mv.New(),
		rmCmd.New(),
		syncCmd.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
