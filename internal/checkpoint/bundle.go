package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/23skdu/ckpt2npy/internal/sstable"
)

// bundleReader reads the multi-file layout: a table at <prefix>.index
// mapping tensor names to byte ranges of <prefix>.data-NNNNN-of-NNNNN.
type bundleReader struct {
	prefix  string
	header  bundleHeader
	entries map[string]bundleEntry
	names   []string
	shards  map[int32]*os.File
}

// OpenBundle reads the index of the checkpoint at prefix.
func OpenBundle(prefix string) (Reader, error) {
	tbl, err := sstable.ReadFile(prefix + IndexExt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointUnreadable, err)
	}
	raw, ok, err := tbl.Get(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointUnreadable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s%s has no bundle header", ErrCheckpointUnreadable, prefix, IndexExt)
	}

	r := &bundleReader{
		prefix:  prefix,
		entries: make(map[string]bundleEntry),
		shards:  make(map[int32]*os.File),
	}
	if r.header, err = decodeBundleHeader(raw); err != nil {
		return nil, fmt.Errorf("%w: bundle header: %w", ErrCheckpointUnreadable, err)
	}
	if r.header.endianness == bigEndian {
		return nil, fmt.Errorf("%w: big-endian bundles are not supported", ErrCheckpointUnreadable)
	}

	entries, err := tbl.Entries()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpointUnreadable, err)
	}
	for _, e := range entries {
		switch {
		case len(e.Key) == 0:
			continue
		case e.Key[0] == 0 || !utf8.Valid(e.Key):
			// Encoded slice keys of partitioned tensors.
			continue
		default:
			be, err := decodeBundleEntry(e.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %q: %w", ErrCheckpointUnreadable, e.Key, err)
			}
			r.entries[string(e.Key)] = be
		}
	}

	if r.header.numShards <= 0 {
		r.header.numShards = 1
	}
	r.names = sortedKeys(r.entries)
	return r, nil
}

func (r *bundleReader) Names() []string {
	return r.names
}

func (r *bundleReader) Info(name string) (TensorInfo, bool) {
	e, ok := r.entries[name]
	if !ok {
		return TensorInfo{}, false
	}
	return TensorInfo{Name: name, Shape: e.shape, DType: e.dtype.Base()}, true
}

func (r *bundleReader) Tensor(name string) (*Tensor, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	if e.slices > 0 {
		return nil, fmt.Errorf("%w: %q has %d slices", ErrPartitioned, name, e.slices)
	}
	info, _ := r.Info(name)
	if !info.DType.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, info.DType)
	}

	n, err := info.ElementCount()
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	if info.DType != DTString {
		want, err := byteSize(n, info.DType.Size())
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		if e.size != want {
			return nil, fmt.Errorf("tensor %q has %d bytes, want %d", name, e.size, want)
		}
	}

	raw, err := r.read(e)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}

	t := &Tensor{TensorInfo: info}
	if info.DType == DTString {
		t.Strings, err = decodeStrings(raw, n)
		return t, err
	}

	if e.hasCRC {
		if got := sstable.CRC32C(raw); got != sstable.Unmask(e.crc32c) {
			return nil, fmt.Errorf("tensor %q: data checksum mismatch (got %08x, want %08x)", name, got, sstable.Unmask(e.crc32c))
		}
	}
	t.Data = raw
	return t, nil
}

func (r *bundleReader) read(e bundleEntry) ([]byte, error) {
	if e.size < 0 || e.offset < 0 {
		return nil, fmt.Errorf("invalid byte range: offset %d, size %d", e.offset, e.size)
	}
	if e.size == 0 {
		return []byte{}, nil
	}
	f, err := r.shard(e.shardID)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if e.offset > st.Size() || e.size > st.Size()-e.offset {
		return nil, fmt.Errorf("byte range [%d, +%d) outside shard %d of %d bytes", e.offset, e.size, e.shardID, st.Size())
	}
	buf := make([]byte, e.size)
	if _, err := f.ReadAt(buf, e.offset); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read %d bytes at offset %d of shard %d: %w", e.size, e.offset, e.shardID, err)
	}
	return buf, nil
}

func (r *bundleReader) shard(id int32) (*os.File, error) {
	if f, ok := r.shards[id]; ok {
		return f, nil
	}
	if id < 0 || id >= r.header.numShards {
		return nil, fmt.Errorf("shard %d out of range (%d shards)", id, r.header.numShards)
	}
	f, err := os.Open(DataShardPath(r.prefix, id, r.header.numShards))
	if err != nil {
		return nil, err
	}
	r.shards[id] = f
	return f, nil
}

func (r *bundleReader) Close() error {
	var first error
	for id, f := range r.shards {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.shards, id)
	}
	return first
}

// decodeStrings splits a string tensor payload: n varint lengths, a
// masked crc32c of the lengths, then the concatenated bytes.
func decodeStrings(raw []byte, n int64) ([][]byte, error) {
	// Every length takes at least one byte.
	if n > int64(len(raw)) {
		return nil, fmt.Errorf("string tensor: %d elements in %d bytes", n, len(raw))
	}
	lengths := make([]uint64, n)
	p := 0
	for i := range lengths {
		l, k := binary.Uvarint(raw[p:])
		if k <= 0 {
			return nil, fmt.Errorf("string tensor: bad length %d", i)
		}
		lengths[i] = l
		p += k
	}
	if n > 0 {
		if len(raw)-p < 4 {
			return nil, fmt.Errorf("string tensor: missing length checksum")
		}
		p += 4
	}

	out := make([][]byte, n)
	for i, l := range lengths {
		if uint64(len(raw)-p) < l {
			return nil, fmt.Errorf("string tensor: element %d overruns payload", i)
		}
		out[i] = raw[p : p+int(l)]
		p += int(l)
	}
	return out, nil
}
