// The main package for the econ-crawler operator CLI.
package main

import (
	"github.com/JakeFAU/realtime-econ-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
