// Command funcbox runs the function registry server and its client CLI.
package main

import (
	"os"

	"github.com/watzon/funcbox/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
