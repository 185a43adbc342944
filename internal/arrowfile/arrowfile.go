// Package arrowfile writes tensors as Arrow IPC files, one record batch
// with a single "values" column holding the flattened elements.
package arrowfile

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/npy"
)

// Ext is the file extension of a tensor written by this package.
const Ext = ".arrow"

// Column is the name of the single column of every file.
const Column = "values"

// Schema metadata keys.
const (
	MetaTensorName = "tensor_name"
	MetaShape      = "shape"
	MetaDType      = "dtype"
)

// Options controls how tensors are encoded.
type Options struct {
	UpcastHalf bool
}

// Writer encodes tensors with a shared allocator.
type Writer struct {
	mem  memory.Allocator
	opts Options
}

// NewWriter returns a Writer using the Go allocator.
func NewWriter(opts Options) *Writer {
	return &Writer{mem: memory.NewGoAllocator(), opts: opts}
}

func (w *Writer) elementType(dtype checkpoint.DType) (arrow.DataType, error) {
	switch dtype.Base() {
	case checkpoint.DTFloat, checkpoint.DTBfloat16:
		return arrow.PrimitiveTypes.Float32, nil
	case checkpoint.DTHalf:
		if w.opts.UpcastHalf {
			return arrow.PrimitiveTypes.Float32, nil
		}
		return arrow.FixedWidthTypes.Float16, nil
	case checkpoint.DTDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case checkpoint.DTInt8, checkpoint.DTQint8:
		return arrow.PrimitiveTypes.Int8, nil
	case checkpoint.DTInt16, checkpoint.DTQint16:
		return arrow.PrimitiveTypes.Int16, nil
	case checkpoint.DTInt32, checkpoint.DTQint32:
		return arrow.PrimitiveTypes.Int32, nil
	case checkpoint.DTInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case checkpoint.DTUint8, checkpoint.DTQuint8:
		return arrow.PrimitiveTypes.Uint8, nil
	case checkpoint.DTUint16, checkpoint.DTQuint16:
		return arrow.PrimitiveTypes.Uint16, nil
	case checkpoint.DTUint32:
		return arrow.PrimitiveTypes.Uint32, nil
	case checkpoint.DTUint64:
		return arrow.PrimitiveTypes.Uint64, nil
	case checkpoint.DTComplex64:
		return &arrow.FixedSizeBinaryType{ByteWidth: 8}, nil
	case checkpoint.DTComplex128:
		return &arrow.FixedSizeBinaryType{ByteWidth: 16}, nil
	case checkpoint.DTBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case checkpoint.DTString:
		return arrow.BinaryTypes.Binary, nil
	}
	return nil, fmt.Errorf("%w: %s", checkpoint.ErrUnsupportedDType, dtype)
}

// values builds the column array for t.
func (w *Writer) values(t *checkpoint.Tensor, dt arrow.DataType) (arrow.Array, error) {
	switch dt.ID() {
	case arrow.BOOL:
		b := array.NewBooleanBuilder(w.mem)
		defer b.Release()
		for _, v := range t.Data {
			b.Append(v != 0)
		}
		return b.NewArray(), nil
	case arrow.BINARY:
		b := array.NewBinaryBuilder(w.mem, arrow.BinaryTypes.Binary)
		defer b.Release()
		for _, s := range t.Strings {
			b.Append(s)
		}
		return b.NewArray(), nil
	}

	raw := t.Data
	switch {
	case t.DType.Base() == checkpoint.DTBfloat16:
		raw = checkpoint.WidenBfloat16(raw)
	case t.DType.Base() == checkpoint.DTHalf && w.opts.UpcastHalf:
		raw = checkpoint.WidenHalf(raw)
	}

	width := dt.(arrow.FixedWidthDataType).Bytes()
	if len(raw)%width != 0 {
		return nil, fmt.Errorf("tensor %q: %d bytes is not a multiple of %d", t.Name, len(raw), width)
	}
	data := array.NewData(dt, len(raw)/width, []*memory.Buffer{nil, memory.NewBufferBytes(raw)}, nil, 0, 0)
	defer data.Release()
	return array.MakeFromData(data), nil
}

// Write encodes t as an Arrow IPC file on out.
func (w *Writer) Write(out io.Writer, t *checkpoint.Tensor) error {
	dt, err := w.elementType(t.DType)
	if err != nil {
		return err
	}
	col, err := w.values(t, dt)
	if err != nil {
		return err
	}
	defer col.Release()

	md := arrow.NewMetadata(
		[]string{MetaTensorName, MetaShape, MetaDType},
		[]string{t.Name, npy.FormatShape(t.Shape), t.DType.String()},
	)
	schema := arrow.NewSchema([]arrow.Field{{Name: Column, Type: dt}}, &md)

	rec := array.NewRecord(schema, []arrow.Array{col}, int64(col.Len()))
	defer rec.Release()

	fw, err := ipc.NewFileWriter(out, ipc.WithSchema(schema), ipc.WithAllocator(w.mem))
	if err != nil {
		return fmt.Errorf("failed to create arrow writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	return fw.Close()
}

// Description is what a tensor file says about itself.
type Description struct {
	Name  string
	Shape string
	DType string
	Type  arrow.DataType
	Rows  int64
}

// Describe reads the schema metadata and row count of the file at path.
func Describe(path string) (Description, error) {
	f, err := os.Open(path)
	if err != nil {
		return Description{}, err
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f)
	if err != nil {
		return Description{}, fmt.Errorf("failed to open arrow file: %w", err)
	}
	defer func() { _ = r.Close() }()

	schema := r.Schema()
	md := schema.Metadata()
	d := Description{Type: schema.Field(0).Type}
	if i := md.FindKey(MetaTensorName); i >= 0 {
		d.Name = md.Values()[i]
	}
	if i := md.FindKey(MetaShape); i >= 0 {
		d.Shape = md.Values()[i]
	}
	if i := md.FindKey(MetaDType); i >= 0 {
		d.DType = md.Values()[i]
	}
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return Description{}, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		d.Rows += rec.NumRows()
	}
	return d, nil
}
