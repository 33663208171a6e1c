package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/recollect/recollect/internal/build"
)

// NewVersionCommand returns the command to get the recollect version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Return the Recollect version",
		Long:  "Return the Recollect version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("Recollect Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
