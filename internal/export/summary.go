package export

import (
	"fmt"
	"io"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/npy"
)

// Summarize prints the tensor count and one table row per tensor.
func Summarize(w io.Writer, tensors []checkpoint.TensorInfo) {
	fmt.Fprintf(w, "%d tensors found.\n", len(tensors))
	fmt.Fprintln(w, "| Name | Shape | DType |")
	fmt.Fprintln(w, "=======")
	for _, t := range tensors {
		fmt.Fprintf(w, "| %s | %s | %s |\n", t.Name, npy.FormatShape(t.Shape), t.DType)
	}
}
