// Package main is the entry point for the gwctl CLI.
package main

import (
	"fmt"
	"os"

	"github.com/taskmesh/gateway/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
