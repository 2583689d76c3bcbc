// Package main is the entry point for the edi-relay daemon and its control CLI.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/edirelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
