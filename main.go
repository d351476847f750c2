// The main package for the probgate executable.
package main

import (
	"github.com/JakeFAU/probgate/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
