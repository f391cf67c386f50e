// Command smoketest runs one prediction on an image file and prints a report.
package main

import (
	"os"

	"github.com/Brownie44l1/glaucoma-detector/internal/command"
)

func main() {
	os.Exit(command.SmokeTest(os.Args, os.Stdout, os.Stderr))
}
