package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentherd/internal/permission"
)

// hookCmd is wired into the agent's PreToolUse hook configuration. It
// reads the hook payload from stdin, asks the daemon's permission server
// for a verdict, and writes the hook output JSON to stdout.
func hookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook",
		Short: "PreToolUse permission hook (reads stdin, writes stdout)",
		Run: func(cmd *cobra.Command, args []string) {
			if err := permission.RunHook(os.Stdin, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "hook: %v\n", err)
				os.Exit(1)
			}
		},
	}
}
