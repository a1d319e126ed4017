// Package main provides the entry point for the mag CLI.
package main

import (
	"os"

	"github.com/mag-mcp/magserver/cmd/magserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if cmd.IsInterrupted(err) {
			os.Exit(cmd.ExitInterrupted)
		}
		os.Exit(1)
	}
}
