// The main package for the watchtower executable.
package main

import (
	"github.com/JakeFAU/osint-watchtower/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
