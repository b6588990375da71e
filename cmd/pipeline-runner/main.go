// Command pipeline-runner is the process entrypoint: a durable-task worker
// invoked once per pipeline run, a local dry-run mode for exercising a
// blueprint fixture without the internal API, and an operational HTTP
// surface for the long-lived worker process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "pipeline-runner",
		Short: "Runs data-enrichment pipeline runs against the internal persistence API",
	}
	root.AddCommand(newRunCommand(), newServeCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
