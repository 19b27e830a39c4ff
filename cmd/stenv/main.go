// Command stenv runs the ping-pong demo on the environment infrastructure
// and inspects stenv configuration.
package main

import (
	"fmt"
	"os"

	"github.com/najoast/stenv/cmd/stenv/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
