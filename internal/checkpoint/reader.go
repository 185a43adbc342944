// Package checkpoint reads tensor checkpoints in the legacy single-file
// layout and the multi-file index/data layout.
package checkpoint

import (
	"fmt"
	"math"
	"os"
	"sort"
)

// TensorInfo describes a tensor without its values.
type TensorInfo struct {
	Name  string
	Shape []int64
	DType DType
}

// NumElements returns the product of the dimensions. A scalar has one
// element. The shape must have passed ElementCount.
func (i TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range i.Shape {
		n *= d
	}
	return n
}

// ElementCount is NumElements for shapes read from disk: it fails on a
// negative dimension or a product that does not fit in an int64.
func (i TensorInfo) ElementCount() (int64, error) {
	empty := false
	for _, d := range i.Shape {
		if d < 0 {
			return 0, fmt.Errorf("shape %v has a negative dimension", i.Shape)
		}
		empty = empty || d == 0
	}
	if empty {
		return 0, nil
	}
	n := int64(1)
	for _, d := range i.Shape {
		if n > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v has too many elements", i.Shape)
		}
		n *= d
	}
	return n, nil
}

// maxTensorBytes bounds the dense size of a single tensor.
const maxTensorBytes = 1 << 40

// byteSize returns the size of n elements of size bytes each, failing
// beyond maxTensorBytes.
func byteSize(n int64, size int) (int64, error) {
	if size > 0 && n > maxTensorBytes/int64(size) {
		return 0, fmt.Errorf("%d elements of %d bytes exceed %d bytes", n, size, int64(maxTensorBytes))
	}
	return n * int64(size), nil
}

// Tensor is a fully materialized tensor. Data holds the dense row-major
// little-endian elements; string tensors use Strings instead.
type Tensor struct {
	TensorInfo
	Data    []byte
	Strings [][]byte
}

// Reader gives access to the tensors of one checkpoint.
type Reader interface {
	// Names returns every tensor name in lexicographic order.
	Names() []string
	Info(name string) (TensorInfo, bool)
	Tensor(name string) (*Tensor, error)
	Close() error
}

// Open detects the layout at prefix and returns a reader for it.
// A prefix with an index companion is read as the multi-file layout,
// a regular file at prefix as the legacy layout.
func Open(prefix string) (Reader, error) {
	if _, err := os.Stat(prefix + IndexExt); err == nil {
		return OpenBundle(prefix)
	}
	if st, err := os.Stat(prefix); err == nil && st.Mode().IsRegular() {
		return OpenLegacy(prefix)
	}
	return nil, fmt.Errorf("%w: no %s file or legacy checkpoint at %q", ErrCheckpointUnreadable, IndexExt, prefix)
}

// Collect fetches every tensor of r ordered by name.
func Collect(r Reader) ([]*Tensor, error) {
	names := append([]string(nil), r.Names()...)
	sort.Strings(names)

	out := make([]*Tensor, 0, len(names))
	for _, name := range names {
		t, err := r.Tensor(name)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrCheckpointUnreadable, name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Infos returns the descriptions of every tensor of r ordered by name.
func Infos(r Reader) []TensorInfo {
	names := append([]string(nil), r.Names()...)
	sort.Strings(names)

	out := make([]TensorInfo, 0, len(names))
	for _, name := range names {
		if info, ok := r.Info(name); ok {
			out = append(out, info)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
