// The main package for the sse-crawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/sse-bulletin-crawler/cmd"
)

// main defers all execution to the Cobra CLI and exits with the run's status.
func main() {
	os.Exit(cmd.Execute())
}
