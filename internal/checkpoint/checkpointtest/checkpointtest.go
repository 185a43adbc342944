// Package checkpointtest builds small checkpoints on disk for tests and
// sample data.
package checkpointtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/sstable"
)

// Tensor is a tensor to be written into a fixture.
type Tensor struct {
	Name    string
	DType   checkpoint.DType
	Shape   []int64
	Data    []byte
	Strings [][]byte

	// Partitioned marks the tensor as split into slices.
	Partitioned bool

	// StoredSize, when set, replaces the byte size recorded in the index.
	StoredSize *int64
}

// Options tweaks how fixtures are laid out.
type Options struct {
	Shards      int
	Compression byte
	BlockSize   int
	BigEndian   bool
	// CorruptCRC stores a wrong data checksum for every tensor.
	CorruptCRC bool
	// TensorContent stores legacy values as raw bytes instead of typed fields.
	TensorContent bool
}

// Float32 returns a float32 tensor.
func Float32(name string, shape []int64, vals ...float32) Tensor {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return Tensor{Name: name, DType: checkpoint.DTFloat, Shape: shape, Data: data}
}

// Int64 returns an int64 tensor.
func Int64(name string, shape []int64, vals ...int64) Tensor {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return Tensor{Name: name, DType: checkpoint.DTInt64, Shape: shape, Data: data}
}

// Sequence returns a float32 tensor of the given shape filled with 0, 1, 2, ...
func Sequence(name string, shape ...int64) Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(i)
	}
	return Float32(name, shape, vals...)
}

// Strings returns a string tensor.
func Strings(name string, shape []int64, vals ...string) Tensor {
	strs := make([][]byte, len(vals))
	for i, v := range vals {
		strs[i] = []byte(v)
	}
	return Tensor{Name: name, DType: checkpoint.DTString, Shape: shape, Strings: strs}
}

// Raw returns a tensor of any fixed-width type from its little-endian bytes.
func Raw(name string, dtype checkpoint.DType, shape []int64, data []byte) Tensor {
	return Tensor{Name: name, DType: dtype, Shape: shape, Data: data}
}

func sorted(tensors []Tensor) []Tensor {
	out := append([]Tensor(nil), tensors...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func tableOptions(opts Options) []sstable.WriterOption {
	var wo []sstable.WriterOption
	if opts.Compression != 0 {
		wo = append(wo, sstable.WithCompression(opts.Compression))
	}
	if opts.BlockSize > 0 {
		wo = append(wo, sstable.WithBlockSize(opts.BlockSize))
	}
	return wo
}

// WriteBundle writes the multi-file layout for prefix: the index table and
// its data shards. Tensors are assigned to shards round robin.
func WriteBundle(prefix string, tensors []Tensor, opts Options) error {
	shards := opts.Shards
	if shards <= 0 {
		shards = 1
	}
	data := make([]bytes.Buffer, shards)

	var idx bytes.Buffer
	w := sstable.NewWriter(&idx, tableOptions(opts)...)
	if err := w.Add(nil, encodeHeader(int32(shards), opts.BigEndian)); err != nil {
		return err
	}

	for i, t := range sorted(tensors) {
		shard := i % shards
		payload := t.Data
		if t.DType == checkpoint.DTString {
			payload = encodeStrings(t.Strings)
		}
		crc := sstable.Mask(sstable.CRC32C(payload))
		if opts.CorruptCRC {
			crc++
		}
		size := int64(len(payload))
		if t.StoredSize != nil {
			size = *t.StoredSize
		}
		entry := encodeEntry(t, int32(shard), int64(data[shard].Len()), size, crc)
		data[shard].Write(payload)
		if err := w.Add([]byte(t.Name), entry); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := os.WriteFile(prefix+checkpoint.IndexExt, idx.Bytes(), 0o644); err != nil {
		return err
	}
	for i := range data {
		path := checkpoint.DataShardPath(prefix, int32(i), int32(shards))
		if err := os.WriteFile(path, data[i].Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// WriteMeta writes a placeholder graph file next to a bundle.
func WriteMeta(prefix string) error {
	return os.WriteFile(prefix+checkpoint.MetaExt, []byte{}, 0o644)
}

// WriteLegacy writes a single-file checkpoint at path.
func WriteLegacy(path string, tensors []Tensor, opts Options) error {
	tensors = sorted(tensors)

	var meta []byte
	for _, t := range tensors {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, t.Name)
		m = protowire.AppendTag(m, 2, protowire.BytesType)
		m = protowire.AppendBytes(m, encodeShape(t.Shape))
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(t.DType))
		m = protowire.AppendTag(m, 4, protowire.BytesType)
		m = protowire.AppendBytes(m, encodeSlice(len(t.Shape), t.Partitioned))

		meta = protowire.AppendTag(meta, 1, protowire.BytesType)
		meta = protowire.AppendBytes(meta, m)
	}
	var header []byte
	header = protowire.AppendTag(header, 1, protowire.BytesType)
	header = protowire.AppendBytes(header, meta)

	var buf bytes.Buffer
	w := sstable.NewWriter(&buf, tableOptions(opts)...)
	if err := w.Add(nil, header); err != nil {
		return err
	}
	for _, t := range tensors {
		value, err := encodeSavedSlice(t, opts.TensorContent)
		if err != nil {
			return err
		}
		// Real writers use an ordered-code key; any key sorting after the
		// metadata entry is read the same way.
		key := append([]byte{0x00}, t.Name...)
		if err := w.Add(key, value); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func encodeHeader(shards int32, big bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(shards))
	if big {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	var version []byte
	version = protowire.AppendTag(version, 1, protowire.VarintType)
	version = protowire.AppendVarint(version, 1)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, version)
}

func encodeShape(shape []int64) []byte {
	var b []byte
	for _, d := range shape {
		var dim []byte
		dim = protowire.AppendTag(dim, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, dim)
	}
	return b
}

func encodeEntry(t Tensor, shard int32, offset, size int64, crc uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DType))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeShape(t.Shape))
	if shard != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(shard))
	}
	if offset != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(offset))
	}
	if size != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(size))
	}
	b = protowire.AppendTag(b, 6, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, crc)
	if t.Partitioned {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSlice(len(t.Shape), true))
	}
	return b
}

// encodeSlice returns a TensorSliceProto; a partial slice covers only the
// first element of dimension 0.
func encodeSlice(rank int, partial bool) []byte {
	var b []byte
	for d := 0; d < rank; d++ {
		var extent []byte
		if partial && d == 0 {
			extent = protowire.AppendTag(extent, 1, protowire.VarintType)
			extent = protowire.AppendVarint(extent, 0)
			extent = protowire.AppendTag(extent, 2, protowire.VarintType)
			extent = protowire.AppendVarint(extent, 1)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, extent)
	}
	return b
}

func encodeStrings(strs [][]byte) []byte {
	var lengths []byte
	for _, s := range strs {
		lengths = binary.AppendUvarint(lengths, uint64(len(s)))
	}
	b := append([]byte(nil), lengths...)
	if len(strs) > 0 {
		b = binary.LittleEndian.AppendUint32(b, sstable.Mask(sstable.CRC32C(lengths)))
	}
	for _, s := range strs {
		b = append(b, s...)
	}
	return b
}

func encodeSavedSlice(t Tensor, rawContent bool) ([]byte, error) {
	proto, err := encodeTensorProto(t, rawContent)
	if err != nil {
		return nil, err
	}
	var s []byte
	s = protowire.AppendTag(s, 1, protowire.BytesType)
	s = protowire.AppendString(s, t.Name)
	s = protowire.AppendTag(s, 2, protowire.BytesType)
	s = protowire.AppendBytes(s, encodeSlice(len(t.Shape), t.Partitioned))
	s = protowire.AppendTag(s, 3, protowire.BytesType)
	s = protowire.AppendBytes(s, proto)

	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, s), nil
}

// encodeTensorProto stores values in the typed repeated field a real
// writer would use, packed.
func encodeTensorProto(t Tensor, rawContent bool) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DType))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeShape(t.Shape))

	if t.DType == checkpoint.DTString {
		for _, s := range t.Strings {
			b = protowire.AppendTag(b, 8, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
		return b, nil
	}

	size := t.DType.Size()
	if size == 0 {
		return nil, fmt.Errorf("checkpointtest: unsupported dtype %s", t.DType)
	}
	if rawContent {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		return protowire.AppendBytes(b, t.Data), nil
	}

	var (
		num    protowire.Number
		packed []byte
	)
	switch t.DType {
	case checkpoint.DTFloat:
		num = 5
		for i := 0; i+4 <= len(t.Data); i += 4 {
			packed = protowire.AppendFixed32(packed, binary.LittleEndian.Uint32(t.Data[i:]))
		}
	case checkpoint.DTDouble:
		num = 6
		for i := 0; i+8 <= len(t.Data); i += 8 {
			packed = protowire.AppendFixed64(packed, binary.LittleEndian.Uint64(t.Data[i:]))
		}
	case checkpoint.DTInt64:
		num = 10
		for i := 0; i+8 <= len(t.Data); i += 8 {
			packed = protowire.AppendVarint(packed, binary.LittleEndian.Uint64(t.Data[i:]))
		}
	case checkpoint.DTBool:
		num = 11
		for _, v := range t.Data {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
	case checkpoint.DTInt32, checkpoint.DTInt16, checkpoint.DTInt8, checkpoint.DTUint8, checkpoint.DTUint16:
		num = 7
		for i := 0; i+size <= len(t.Data); i += size {
			packed = protowire.AppendVarint(packed, uint64(signExtend(t.Data[i:i+size], t.DType.Signed())))
		}
	default:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		return protowire.AppendBytes(b, t.Data), nil
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed), nil
}

func signExtend(b []byte, signed bool) int64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	if !signed {
		return int64(u)
	}
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift
}
