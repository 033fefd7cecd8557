//go:build !linux

package main

import (
	"github.com/spf13/cobra"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

// On macOS the sandbox path is sandbox-exec with a generated profile; the
// namespace re-exec entry point exists only on Linux.
var sandboxChildCmd = &cobra.Command{
	Use:    "sandbox-child <spec>",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tgerror.New(tgerror.CodeFailedPrecondition, "namespace sandbox is linux-only")
	},
}
