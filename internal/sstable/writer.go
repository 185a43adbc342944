package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/snappy"
)

const (
	defaultBlockSize       = 4096
	defaultRestartInterval = 16
)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithBlockSize sets the uncompressed size after which a data block is flushed.
func WithBlockSize(n int) WriterOption {
	return func(w *Writer) {
		w.blockSize = n
	}
}

// WithCompression selects the block compression type.
func WithCompression(c byte) WriterOption {
	return func(w *Writer) {
		w.compression = c
	}
}

// Writer builds a table. Keys must be added in strictly increasing order.
type Writer struct {
	w           io.Writer
	offset      uint64
	blockSize   int
	compression byte

	data    blockBuilder
	index   blockBuilder
	lastKey []byte
	started bool
	err     error
}

// NewWriter returns a Writer emitting the table to w.
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	tw := &Writer{
		w:           w,
		blockSize:   defaultBlockSize,
		compression: NoCompression,
	}
	for _, opt := range opts {
		opt(tw)
	}
	tw.data.reset(defaultRestartInterval)
	tw.index.reset(1)
	return tw
}

// Add appends one entry.
func (w *Writer) Add(key, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.started && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("sstable: key %q not greater than previous key %q", key, w.lastKey)
	}
	w.started = true
	w.lastKey = append(w.lastKey[:0], key...)

	w.data.add(key, value)
	if w.data.size() >= w.blockSize {
		w.flush()
	}
	return w.err
}

func (w *Writer) flush() {
	if w.data.count == 0 || w.err != nil {
		return
	}
	h := w.writeBlock(w.data.finish(), w.compression)
	w.index.add(w.lastKey, h.append(nil))
	w.data.reset(defaultRestartInterval)
}

func (w *Writer) writeBlock(contents []byte, compression byte) BlockHandle {
	if compression == SnappyCompression {
		contents = snappy.Encode(nil, contents)
	}
	h := BlockHandle{Offset: w.offset, Size: uint64(len(contents))}

	trailer := make([]byte, blockTrailerLen)
	trailer[0] = compression
	crc := crc32.Update(CRC32C(contents), castagnoli, trailer[:1])
	binary.LittleEndian.PutUint32(trailer[1:], Mask(crc))

	w.write(contents)
	w.write(trailer)
	return h
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(b)
	w.offset += uint64(n)
	w.err = err
}

// Close flushes pending entries and writes the index block and footer.
func (w *Writer) Close() error {
	w.flush()

	var meta blockBuilder
	meta.reset(defaultRestartInterval)
	metaHandle := w.writeBlock(meta.finish(), NoCompression)
	indexHandle := w.writeBlock(w.index.finish(), NoCompression)

	footer := make([]byte, footerLen)
	handles := indexHandle.append(metaHandle.append(nil))
	copy(footer, handles)
	binary.LittleEndian.PutUint64(footer[40:], TableMagic)
	w.write(footer)
	return w.err
}

type blockBuilder struct {
	buf      bytes.Buffer
	restarts []uint32
	interval int
	counter  int
	count    int
	lastKey  []byte
}

func (b *blockBuilder) reset(interval int) {
	b.buf.Reset()
	b.restarts = []uint32{0}
	b.interval = interval
	b.counter = 0
	b.count = 0
	b.lastKey = b.lastKey[:0]
}

func (b *blockBuilder) add(key, value []byte) {
	shared := 0
	if b.counter < b.interval {
		for shared < len(key) && shared < len(b.lastKey) && key[shared] == b.lastKey[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.counter = 0
	}

	var hdr []byte
	hdr = binary.AppendUvarint(hdr, uint64(shared))
	hdr = binary.AppendUvarint(hdr, uint64(len(key)-shared))
	hdr = binary.AppendUvarint(hdr, uint64(len(value)))
	b.buf.Write(hdr)
	b.buf.Write(key[shared:])
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	b.count++
}

func (b *blockBuilder) size() int {
	return b.buf.Len() + 4*len(b.restarts) + 4
}

func (b *blockBuilder) finish() []byte {
	var tail [4]byte
	for _, r := range b.restarts {
		binary.LittleEndian.PutUint32(tail[:], r)
		b.buf.Write(tail[:])
	}
	binary.LittleEndian.PutUint32(tail[:], uint32(len(b.restarts)))
	b.buf.Write(tail[:])
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
