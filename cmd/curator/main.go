// Package main provides the entry point for the curator CLI.
package main

import (
	"os"

	"curator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
