package checkpoint

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// WidenHalf converts IEEE half precision elements to float32.
func WidenHalf(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i := 0; i+1 < len(data); i += 2 {
		f := float16.Frombits(binary.LittleEndian.Uint16(data[i:])).Float32()
		binary.LittleEndian.PutUint32(out[i*2:], math.Float32bits(f))
	}
	return out
}

// WidenBfloat16 converts bfloat16 elements to float32. The conversion is
// exact: bfloat16 is the upper half of a float32.
func WidenBfloat16(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i := 0; i+1 < len(data); i += 2 {
		binary.LittleEndian.PutUint32(out[i*2:], uint32(binary.LittleEndian.Uint16(data[i:]))<<16)
	}
	return out
}

// Float32s decodes float32 elements.
func Float32s(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
