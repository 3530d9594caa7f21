// Command dashboard manages the retail dashboard session, fetches reports
// through the shared cache and runs the page status board.
package main

import (
	"fmt"
	"os"

	"github.com/agatticelli/retail-dashboard/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
