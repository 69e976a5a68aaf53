package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chatloom/chatloom/internal/version"
)

func main() {
	// Bot tokens and provider keys commonly live in a local .env during
	// development; a missing file is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "chatloom",
		Short:        "Discord bots sharing one durable conversation engine",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bots and the operator API",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
