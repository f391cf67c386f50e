// Command predict classifies one fundus image and prints the result as JSON.
//
//	predict [--config FILE] [--weights FILE] [--device auto|cpu|cuda] [--raw] <file>
package main

import (
	"os"

	"github.com/Brownie44l1/glaucoma-detector/internal/command"
)

func main() {
	os.Exit(command.Predict(os.Args, os.Stdout, os.Stderr))
}
