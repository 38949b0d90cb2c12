// Package main is the entry point of the rshome chat bridge.
package main

import (
	"fmt"
	"os"

	"github.com/narrensicher/rshome/cmd/rshome/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fehler: %v\n", err)
		os.Exit(1)
	}
}
