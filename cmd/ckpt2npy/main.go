// Command ckpt2npy exports the tensors of a checkpoint as NumPy binaries
// with a checksum manifest.
package main

import (
	"fmt"
	"os"

	"github.com/23skdu/ckpt2npy/internal/command"
)

func main() {
	app := command.App()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
