// The main package for the creator-crawler executable.
package main

import (
	"github.com/JakeFAU/creator-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
