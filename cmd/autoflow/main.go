// Autoflow drives coding-agent task graphs through verification and fix rounds.
package main

import (
	"fmt"
	"os"

	"github.com/swamp-dev/autoflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
