// The main package for the cricket-fleet executable.
package main

import (
	"github.com/JakeFAU/realtime-cricket-fleet/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
