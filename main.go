// The main package for the slide-ingest executable.
package main

import (
	"github.com/JakeFAU/slide-ingest/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
