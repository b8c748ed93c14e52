// version.go implements the 'forkrace version' command.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd builds the 'forkrace version' subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the forkrace version",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Printf("forkrace version %s\n", version)
			return nil
		},
	}
}
