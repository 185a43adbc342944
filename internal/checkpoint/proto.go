package checkpoint

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf messages stored in checkpoint tables, decoded field by field.

// field is one decoded protobuf field. Only the member matching typ is set.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	fixed64 uint64
	bytes   []byte
}

func forEachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			f.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// bundleHeader is BundleHeaderProto, stored under the empty key of a V2 index.
type bundleHeader struct {
	numShards  int32
	endianness int32
	producer   int32
}

const bigEndian = 1

func decodeBundleHeader(b []byte) (bundleHeader, error) {
	var h bundleHeader
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			h.numShards = int32(f.varint)
		case 2:
			h.endianness = int32(f.varint)
		case 3:
			return forEachField(f.bytes, func(v field) error {
				if v.num == 1 {
					h.producer = int32(v.varint)
				}
				return nil
			})
		}
		return nil
	})
	return h, err
}

// bundleEntry is BundleEntryProto, one per tensor of a V2 index.
type bundleEntry struct {
	dtype   DType
	shape   []int64
	shardID int32
	offset  int64
	size    int64
	crc32c  uint32
	hasCRC  bool
	slices  int
}

func decodeBundleEntry(b []byte) (bundleEntry, error) {
	var e bundleEntry
	err := forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.dtype = DType(f.varint)
		case 2:
			e.shape, err = decodeShape(f.bytes)
		case 3:
			e.shardID = int32(f.varint)
		case 4:
			e.offset = int64(f.varint)
		case 5:
			e.size = int64(f.varint)
		case 6:
			e.crc32c = f.fixed32
			e.hasCRC = true
		case 7:
			e.slices++
		}
		return err
	})
	return e, err
}

// decodeShape decodes TensorShapeProto.
func decodeShape(b []byte) ([]int64, error) {
	shape := []int64{}
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 2:
			var size int64
			if err := forEachField(f.bytes, func(d field) error {
				if d.num == 1 {
					size = int64(d.varint)
				}
				return nil
			}); err != nil {
				return err
			}
			if size < 0 {
				return fmt.Errorf("negative dimension %d", size)
			}
			shape = append(shape, size)
		case 3:
			if f.varint != 0 {
				return fmt.Errorf("tensor shape has unknown rank")
			}
		}
		return nil
	})
	return shape, err
}

// sliceMeta is SavedSliceMeta from a V1 checkpoint.
type sliceMeta struct {
	name   string
	shape  []int64
	dtype  DType
	slices [][]byte
}

// savedSlice is SavedSlice from a V1 checkpoint.
type savedSlice struct {
	name  string
	slice []byte
	data  []byte
}

// decodeSavedTensorSlices decodes SavedTensorSlices into its meta and data parts.
func decodeSavedTensorSlices(b []byte) ([]sliceMeta, *savedSlice, error) {
	var (
		metas []sliceMeta
		data  *savedSlice
	)
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			return forEachField(f.bytes, func(m field) error {
				if m.num != 1 {
					return nil
				}
				meta, err := decodeSliceMeta(m.bytes)
				if err != nil {
					return err
				}
				metas = append(metas, meta)
				return nil
			})
		case 2:
			s, err := decodeSavedSlice(f.bytes)
			if err != nil {
				return err
			}
			data = &s
		}
		return nil
	})
	return metas, data, err
}

func decodeSliceMeta(b []byte) (sliceMeta, error) {
	var m sliceMeta
	err := forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.name = string(f.bytes)
		case 2:
			m.shape, err = decodeShape(f.bytes)
		case 3:
			m.dtype = DType(f.varint)
		case 4:
			m.slices = append(m.slices, f.bytes)
		}
		return err
	})
	return m, err
}

func decodeSavedSlice(b []byte) (savedSlice, error) {
	var s savedSlice
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			s.name = string(f.bytes)
		case 2:
			s.slice = f.bytes
		case 3:
			s.data = f.bytes
		}
		return nil
	})
	return s, err
}

// isFullSlice reports whether a TensorSliceProto covers every dimension
// completely. A full extent carries no length.
func isFullSlice(b []byte) (bool, error) {
	full := true
	err := forEachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		return forEachField(f.bytes, func(e field) error {
			if e.num == 2 {
				full = false
			}
			return nil
		})
	})
	return full, err
}

// tensorProto holds the value fields of a TensorProto.
type tensorProto struct {
	dtype   DType
	shape   []int64
	content []byte

	halves   []uint64
	floats   []uint64
	doubles  []uint64
	ints     []uint64
	strings  [][]byte
	scomplex []uint64
	int64s   []uint64
	bools    []uint64
	dcomplex []uint64
	uint32s  []uint64
	uint64s  []uint64
}

func decodeTensorProto(b []byte) (*tensorProto, error) {
	p := &tensorProto{}
	err := forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			p.dtype = DType(f.varint)
		case 2:
			p.shape, err = decodeShape(f.bytes)
		case 4:
			p.content = f.bytes
		case 5:
			p.floats, err = appendScalars(p.floats, f, protowire.Fixed32Type)
		case 6:
			p.doubles, err = appendScalars(p.doubles, f, protowire.Fixed64Type)
		case 7:
			p.ints, err = appendScalars(p.ints, f, protowire.VarintType)
		case 8:
			p.strings = append(p.strings, f.bytes)
		case 9:
			p.scomplex, err = appendScalars(p.scomplex, f, protowire.Fixed32Type)
		case 10:
			p.int64s, err = appendScalars(p.int64s, f, protowire.VarintType)
		case 11:
			p.bools, err = appendScalars(p.bools, f, protowire.VarintType)
		case 12:
			p.dcomplex, err = appendScalars(p.dcomplex, f, protowire.Fixed64Type)
		case 13:
			p.halves, err = appendScalars(p.halves, f, protowire.VarintType)
		case 16:
			p.uint32s, err = appendScalars(p.uint32s, f, protowire.VarintType)
		case 17:
			p.uint64s, err = appendScalars(p.uint64s, f, protowire.VarintType)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// appendScalars accepts a repeated scalar field in packed or unpacked form.
func appendScalars(dst []uint64, f field, elem protowire.Type) ([]uint64, error) {
	if f.typ != protowire.BytesType {
		switch elem {
		case protowire.VarintType:
			return append(dst, f.varint), nil
		case protowire.Fixed32Type:
			return append(dst, uint64(f.fixed32)), nil
		default:
			return append(dst, f.fixed64), nil
		}
	}

	b := f.bytes
	for len(b) > 0 {
		var (
			v uint64
			n int
		)
		switch elem {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		default:
			v, n = protowire.ConsumeFixed64(b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, v)
		b = b[n:]
	}
	return dst, nil
}

// materialize returns the dense little-endian bytes of n elements of
// type dtype. Missing trailing values repeat the last one given.
func (p *tensorProto) materialize(dtype DType, n int64) ([]byte, [][]byte, error) {
	if dtype.Base() == DTString {
		return nil, padStrings(p.strings, n), nil
	}

	size := int64(dtype.Size())
	if size == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	if len(p.content) > 0 {
		if int64(len(p.content)) != n*size {
			return nil, nil, fmt.Errorf("tensor_content has %d bytes, want %d", len(p.content), n*size)
		}
		return p.content, nil, nil
	}

	switch dtype.Base() {
	case DTFloat:
		return fillValues(p.floats, n, 1, 4), nil, nil
	case DTDouble:
		return fillValues(p.doubles, n, 1, 8), nil, nil
	case DTInt32, DTInt16, DTInt8, DTUint8, DTUint16, DTQint8, DTQuint8, DTQint16, DTQuint16, DTQint32:
		return fillValues(p.ints, n, 1, int(size)), nil, nil
	case DTInt64:
		return fillValues(p.int64s, n, 1, 8), nil, nil
	case DTBool:
		return fillValues(p.bools, n, 1, 1), nil, nil
	case DTHalf, DTBfloat16:
		return fillValues(p.halves, n, 1, 2), nil, nil
	case DTComplex64:
		return fillValues(p.scomplex, n, 2, 4), nil, nil
	case DTComplex128:
		return fillValues(p.dcomplex, n, 2, 8), nil, nil
	case DTUint32:
		return fillValues(p.uint32s, n, 1, 4), nil, nil
	case DTUint64:
		return fillValues(p.uint64s, n, 1, 8), nil, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
}

// fillValues packs n elements of per scalars each, width bytes per scalar.
func fillValues(vals []uint64, n int64, per, width int) []byte {
	out := make([]byte, n*int64(per*width))
	groups := len(vals) / per
	if groups == 0 {
		return out
	}
	for i := int64(0); i < n; i++ {
		g := int(i)
		if i >= int64(groups) {
			g = groups - 1
		}
		for j := 0; j < per; j++ {
			putUint(out[(int(i)*per+j)*width:], vals[g*per+j], width)
		}
	}
	return out
}

func putUint(b []byte, v uint64, width int) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func padStrings(vals [][]byte, n int64) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		switch {
		case i < len(vals):
			out[i] = vals[i]
		case len(vals) > 0:
			out[i] = vals[len(vals)-1]
		default:
			out[i] = []byte{}
		}
	}
	return out
}
