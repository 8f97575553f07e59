// Package main is the entry point for the camrelay application.
package main

import (
	"os"

	"github.com/jmylchreest/camrelay/cmd/camrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
