package npy

import (
	"fmt"
	"io"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
)

// Options controls how tensors are encoded.
type Options struct {
	// UpcastHalf writes float16 tensors as float32.
	UpcastHalf bool
}

var descrs = map[checkpoint.DType]string{
	checkpoint.DTFloat:      "<f4",
	checkpoint.DTDouble:     "<f8",
	checkpoint.DTInt32:      "<i4",
	checkpoint.DTUint8:      "|u1",
	checkpoint.DTInt16:      "<i2",
	checkpoint.DTInt8:       "|i1",
	checkpoint.DTComplex64:  "<c8",
	checkpoint.DTInt64:      "<i8",
	checkpoint.DTBool:       "|b1",
	checkpoint.DTQint8:      "|i1",
	checkpoint.DTQuint8:     "|u1",
	checkpoint.DTQint32:     "<i4",
	checkpoint.DTBfloat16:   "<f4",
	checkpoint.DTQint16:     "<i2",
	checkpoint.DTQuint16:    "<u2",
	checkpoint.DTUint16:     "<u2",
	checkpoint.DTComplex128: "<c16",
	checkpoint.DTHalf:       "<f2",
	checkpoint.DTUint32:     "<u4",
	checkpoint.DTUint64:     "<u8",
}

// Descr returns the array-protocol type string for a fixed-width dtype.
func Descr(dtype checkpoint.DType, opts Options) (string, error) {
	base := dtype.Base()
	if base == checkpoint.DTHalf && opts.UpcastHalf {
		return "<f4", nil
	}
	d, ok := descrs[base]
	if !ok {
		return "", fmt.Errorf("%w: %s", checkpoint.ErrUnsupportedDType, dtype)
	}
	return d, nil
}

// FromTensor returns the header and data section for t. String tensors
// become fixed-width byte strings as wide as the longest element.
func FromTensor(t *checkpoint.Tensor, opts Options) (Header, []byte, error) {
	h := Header{Shape: t.Shape}
	if h.Shape == nil {
		h.Shape = []int64{}
	}

	if t.DType.Base() == checkpoint.DTString {
		width := 1
		for _, s := range t.Strings {
			width = max(width, len(s))
		}
		h.Descr = fmt.Sprintf("|S%d", width)
		data := make([]byte, len(t.Strings)*width)
		for i, s := range t.Strings {
			copy(data[i*width:], s)
		}
		return h, data, nil
	}

	descr, err := Descr(t.DType, opts)
	if err != nil {
		return Header{}, nil, err
	}
	h.Descr = descr

	switch {
	case t.DType.Base() == checkpoint.DTBfloat16:
		return h, checkpoint.WidenBfloat16(t.Data), nil
	case t.DType.Base() == checkpoint.DTHalf && opts.UpcastHalf:
		return h, checkpoint.WidenHalf(t.Data), nil
	}
	return h, t.Data, nil
}

// WriteTensor encodes t as a complete .npy stream.
func WriteTensor(w io.Writer, t *checkpoint.Tensor, opts Options) error {
	h, data, err := FromTensor(t, opts)
	if err != nil {
		return err
	}
	return Write(w, h, data)
}
