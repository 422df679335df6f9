// Command cts realizes forrests of linked document trees and keeps them
// consistent through their relations.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/cts/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
