// The main package for the markdown-scraper executable.
package main

import (
	"github.com/JakeFAU/markdown-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
