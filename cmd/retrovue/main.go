// Package main is the entry point for the retrovue playout server.
package main

import (
	"os"

	"github.com/retrovue/retrovue/cmd/retrovue/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
