package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "malscan",
		Short:   "Malware-analysis pipeline: submission API, worker, and migrations",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newAPICmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newMigrateCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
