// Package main provides the entry point for the logshipper CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Sumatoshi-tech/logshipper/cmd/logshipper/commands"
	"github.com/Sumatoshi-tech/logshipper/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	err := commands.NewRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
