//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tangramdev/tangram/pkg/sandbox"
)

// sandboxChildCmd is the hidden re-exec entry point: the runner launches
// /proc/self/exe with this subcommand inside fresh namespaces, and the
// child sets up its mounts and execs the payload.
var sandboxChildCmd = &cobra.Command{
	Use:    "sandbox-child <spec>",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sandbox.Child(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox: %v\n", err)
			os.Exit(125)
		}
		return nil
	},
}
