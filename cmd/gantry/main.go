package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	serveFlags := &ServeFlags{}
	migrateFlags := &MigrateFlags{}
	statusFlags := &StatusFlags{}

	root := &cobra.Command{
		Use:   "gantry",
		Short: "Container entrypoint supervisor for multi-worker web services",
		Long: `gantry supervises service startup inside a container: it waits for the
datastore, applies schema migrations exactly once across replicas, seeds
initial data, drops privileges, launches the worker pool, and serves
liveness/readiness endpoints.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		createServeCommand(serveFlags),
		createMigrateCommand(migrateFlags),
		createStatusCommand(statusFlags),
		createVersionCommand(),
	)
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gantry version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("gantry %s\n", version)
		},
	}
}
