package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/voxqueue/internal/cli"
	"github.com/fmueller/voxqueue/internal/job"
	"github.com/spf13/cobra"
)

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if shouldPrintUsageHint(err) {
			fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", helpHintTarget(cmd, os.Args[1:]))
		}
		os.Exit(exitCode(err))
	}
}

func shouldPrintUsageHint(err error) bool {
	if err == nil {
		return false
	}

	message := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"accepts ",
		"requires at least",
		"requires at most",
		"requires between",
		"invalid configuration",
	}

	for _, pattern := range patterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}

	return false
}

// exitCode maps an interrupted transcription to 130 like a shell would.
func exitCode(err error) int {
	var jobErr *job.Error
	if errors.As(err, &jobErr) && jobErr.Kind == job.Cancelled {
		return 130
	}
	return 1
}

func helpHintTarget(root *cobra.Command, args []string) string {
	if root == nil {
		return "voxqueue"
	}

	target := root.CommandPath()
	if len(args) == 0 {
		return target
	}

	if strings.HasPrefix(args[0], "-") {
		return target
	}

	found, _, err := root.Find(args)
	if err == nil && found != nil {
		return found.CommandPath()
	}

	return target
}
