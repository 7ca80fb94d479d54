// Package main provides the entry point for the attendsync CLI.
package main

import (
	"github.com/colthorp/attendsync-go/internal/cli"
)

func main() {
	cli.Execute()
}
