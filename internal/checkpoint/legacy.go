package checkpoint

import (
	"fmt"

	"github.com/23skdu/ckpt2npy/internal/sstable"
)

// legacyReader reads a single-file checkpoint: one table whose empty key
// holds the slice metadata and whose other entries hold saved slices.
type legacyReader struct {
	path  string
	infos map[string]TensorInfo
	names []string
	data  map[string][]byte
	parts map[string]int
}

// OpenLegacy reads the single-file checkpoint at path.
func OpenLegacy(path string) (Reader, error) {
	tbl, err := sstable.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointUnreadable, err)
	}
	entries, err := tbl.Entries()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointUnreadable, err)
	}

	r := &legacyReader{
		path:  path,
		infos: make(map[string]TensorInfo),
		data:  make(map[string][]byte),
		parts: make(map[string]int),
	}
	sawMeta := false
	for _, e := range entries {
		metas, slice, err := decodeSavedTensorSlices(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrCheckpointUnreadable, e.Key, err)
		}

		if len(e.Key) == 0 {
			sawMeta = true
			for _, m := range metas {
				r.infos[m.name] = TensorInfo{Name: m.name, Shape: m.shape, DType: m.dtype.Base()}
				if err := r.checkSlices(m); err != nil {
					return nil, err
				}
			}
			continue
		}
		if slice == nil {
			continue
		}
		r.parts[slice.name]++
		full, err := isFullSlice(slice.slice)
		if err != nil {
			return nil, fmt.Errorf("%w: slice of %q: %w", ErrCheckpointUnreadable, slice.name, err)
		}
		if !full {
			r.parts[slice.name]++
		}
		r.data[slice.name] = slice.data
	}

	if !sawMeta {
		return nil, fmt.Errorf("%w: %s has no slice metadata", ErrCheckpointUnreadable, path)
	}
	r.names = sortedKeys(r.infos)
	return r, nil
}

// checkSlices counts a meta entry as partitioned unless it has exactly one full slice.
func (r *legacyReader) checkSlices(m sliceMeta) error {
	if len(m.slices) != 1 {
		r.parts[m.name] += len(m.slices)
		return nil
	}
	full, err := isFullSlice(m.slices[0])
	if err != nil {
		return fmt.Errorf("%w: slice meta of %q: %w", ErrCheckpointUnreadable, m.name, err)
	}
	if !full {
		r.parts[m.name] += 2
	}
	return nil
}

func (r *legacyReader) Names() []string {
	return r.names
}

func (r *legacyReader) Info(name string) (TensorInfo, bool) {
	info, ok := r.infos[name]
	return info, ok
}

func (r *legacyReader) Tensor(name string) (*Tensor, error) {
	info, ok := r.infos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	if r.parts[name] > 1 {
		return nil, fmt.Errorf("%w: %q", ErrPartitioned, name)
	}
	if !info.DType.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, info.DType)
	}
	raw, ok := r.data[name]
	if !ok {
		return nil, fmt.Errorf("no saved slice for %q", name)
	}

	proto, err := decodeTensorProto(raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	n, err := info.ElementCount()
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	size := info.DType.Size()
	if info.DType == DTString {
		size = 1
	}
	if _, err := byteSize(n, size); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	data, strs, err := proto.materialize(info.DType, n)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	return &Tensor{TensorInfo: info, Data: data, Strings: strs}, nil
}

func (r *legacyReader) Close() error {
	return nil
}
