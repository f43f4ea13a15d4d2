// Command macrohost runs the automation host and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/goatkit/macrohost/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
