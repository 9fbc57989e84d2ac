// Package main is the entry point for the pubctl CLI.
// pubctl is the operator terminal tool for the pubplane daemon.
package main

import (
	"os"

	"pubplane/cmd/pubctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
