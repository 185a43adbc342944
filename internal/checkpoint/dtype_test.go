package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDTypeString(t *testing.T) {
	tests := []struct {
		dtype    DType
		expected string
	}{
		{DTFloat, "float32"},
		{DTDouble, "float64"},
		{DTInt32, "int32"},
		{DTUint8, "uint8"},
		{DTString, "object"},
		{DTBool, "bool"},
		{DTHalf, "float16"},
		{DTBfloat16, "bfloat16"},
		{DTComplex128, "complex128"},
		{DTFloat + refOffset, "float32"},
		{DType(77), "UNKNOWN_DTYPE_77"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.dtype.String())
		})
	}
}

func TestDTypeSize(t *testing.T) {
	tests := []struct {
		dtype DType
		size  int
	}{
		{DTFloat, 4},
		{DTDouble, 8},
		{DTInt8, 1},
		{DTBool, 1},
		{DTHalf, 2},
		{DTComplex64, 8},
		{DTComplex128, 16},
		{DTString, 0},
		{DTResource, 0},
		{DTVariant, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.size, tt.dtype.Size(), tt.dtype.String())
	}
	assert.True(t, DTString.Supported())
	assert.False(t, DTVariant.Supported())
	assert.True(t, DTInt16.Signed())
	assert.False(t, DTUint16.Signed())
}

func TestMaterializePadsWithLastValue(t *testing.T) {
	p := &tensorProto{floats: []uint64{0x3f800000}} // 1.0
	data, _, err := p.materialize(DTFloat, 3)
	assert.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1}, Float32s(data))

	empty := &tensorProto{}
	data, _, err = empty.materialize(DTInt32, 2)
	assert.NoError(t, err)
	assert.Equal(t, make([]byte, 8), data)

	_, strs, err := (&tensorProto{strings: [][]byte{[]byte("a")}}).materialize(DTString, 2)
	assert.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("a")}, strs)
}

func TestMaterializeContentLength(t *testing.T) {
	p := &tensorProto{content: []byte{1, 2, 3}}
	_, _, err := p.materialize(DTFloat, 1)
	assert.Error(t, err)

	_, _, err = (&tensorProto{}).materialize(DTVariant, 1)
	assert.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestAppendScalarsUnpacked(t *testing.T) {
	neg := int64(-2)
	var b []byte
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(neg))
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)

	p, err := decodeTensorProto(b)
	assert.NoError(t, err)
	data, _, err := p.materialize(DTInt16, 2)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xfe, 0xff, 0x05, 0x00}, data)
}

func TestDecodeShapeUnknownRank(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	_, err := decodeShape(b)
	assert.Error(t, err)
}
