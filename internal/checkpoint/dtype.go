package checkpoint

import "fmt"

// DType is the element type tag stored in checkpoint entries.
type DType int32

const (
	DTInvalid    DType = 0
	DTFloat      DType = 1
	DTDouble     DType = 2
	DTInt32      DType = 3
	DTUint8      DType = 4
	DTInt16      DType = 5
	DTInt8       DType = 6
	DTString     DType = 7
	DTComplex64  DType = 8
	DTInt64      DType = 9
	DTBool       DType = 10
	DTQint8      DType = 11
	DTQuint8     DType = 12
	DTQint32     DType = 13
	DTBfloat16   DType = 14
	DTQint16     DType = 15
	DTQuint16    DType = 16
	DTUint16     DType = 17
	DTComplex128 DType = 18
	DTHalf       DType = 19
	DTResource   DType = 20
	DTVariant    DType = 21
	DTUint32     DType = 22
	DTUint64     DType = 23

	refOffset DType = 100
)

// Base strips the reference flag from d.
func (d DType) Base() DType {
	if d > refOffset {
		return d - refOffset
	}
	return d
}

// Size returns the width of one element in bytes, or 0 for variable
// width and unsupported types.
func (d DType) Size() int {
	switch d.Base() {
	case DTUint8, DTInt8, DTBool, DTQint8, DTQuint8:
		return 1
	case DTInt16, DTUint16, DTQint16, DTQuint16, DTHalf, DTBfloat16:
		return 2
	case DTFloat, DTInt32, DTQint32, DTUint32:
		return 4
	case DTDouble, DTInt64, DTUint64, DTComplex64:
		return 8
	case DTComplex128:
		return 16
	default:
		return 0
	}
}

// Signed reports whether integer elements of d are two's complement.
func (d DType) Signed() bool {
	switch d.Base() {
	case DTInt8, DTInt16, DTInt32, DTInt64, DTQint8, DTQint16, DTQint32:
		return true
	}
	return false
}

// Supported reports whether tensors of type d can be materialized.
func (d DType) Supported() bool {
	return d.Base() == DTString || d.Size() > 0
}

// String returns the NumPy name of the type.
func (d DType) String() string {
	switch d.Base() {
	case DTFloat:
		return "float32"
	case DTDouble:
		return "float64"
	case DTInt32:
		return "int32"
	case DTUint8:
		return "uint8"
	case DTInt16:
		return "int16"
	case DTInt8:
		return "int8"
	case DTString:
		return "object"
	case DTComplex64:
		return "complex64"
	case DTInt64:
		return "int64"
	case DTBool:
		return "bool"
	case DTQint8:
		return "qint8"
	case DTQuint8:
		return "quint8"
	case DTQint32:
		return "qint32"
	case DTBfloat16:
		return "bfloat16"
	case DTQint16:
		return "qint16"
	case DTQuint16:
		return "quint16"
	case DTUint16:
		return "uint16"
	case DTComplex128:
		return "complex128"
	case DTHalf:
		return "float16"
	case DTResource:
		return "resource"
	case DTVariant:
		return "variant"
	case DTUint32:
		return "uint32"
	case DTUint64:
		return "uint64"
	default:
		return fmt.Sprintf("UNKNOWN_DTYPE_%d", int32(d))
	}
}
