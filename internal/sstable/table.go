// Package sstable reads and writes the immutable sorted-table format used
// by checkpoint index files (the LevelDB table layout).
package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/klauspost/compress/snappy"
)

// TableMagic terminates every table footer.
const TableMagic uint64 = 0xdb4775248b80fb57

const (
	footerLen       = 48
	blockTrailerLen = 5
	maskDelta       = 0xa282ead8
)

// Block compression types.
const (
	NoCompression     byte = 0
	SnappyCompression byte = 1
)

var (
	ErrBadMagic = errors.New("sstable: bad table magic")
	ErrCorrupt  = errors.New("sstable: corrupt table")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Mask returns the masked form of a crc stored on disk.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask reverses Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}

// BlockHandle locates a block inside the table.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func decodeHandle(b []byte) (BlockHandle, int, error) {
	off, n1 := binary.Uvarint(b)
	if n1 <= 0 {
		return BlockHandle{}, 0, fmt.Errorf("%w: bad block handle offset", ErrCorrupt)
	}
	size, n2 := binary.Uvarint(b[n1:])
	if n2 <= 0 {
		return BlockHandle{}, 0, fmt.Errorf("%w: bad block handle size", ErrCorrupt)
	}
	return BlockHandle{Offset: off, Size: size}, n1 + n2, nil
}

func (h BlockHandle) append(b []byte) []byte {
	b = binary.AppendUvarint(b, h.Offset)
	return binary.AppendUvarint(b, h.Size)
}

// Entry is one key/value pair of a table.
type Entry struct {
	Key   []byte
	Value []byte
}

// Table is a parsed, fully in-memory table.
type Table struct {
	data  []byte
	index BlockHandle
}

// ReadFile loads the table stored at path.
func ReadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(data)
}

// Open parses the footer of data and returns the table it describes.
func Open(data []byte) (*Table, error) {
	if len(data) < footerLen {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupt, len(data))
	}
	footer := data[len(data)-footerLen:]
	if magic := binary.LittleEndian.Uint64(footer[40:]); magic != TableMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, magic)
	}

	metaindex, n, err := decodeHandle(footer)
	if err != nil {
		return nil, err
	}
	index, _, err := decodeHandle(footer[n:])
	if err != nil {
		return nil, err
	}

	t := &Table{data: data, index: index}
	if _, err := t.readBlock(metaindex); err != nil {
		return nil, fmt.Errorf("metaindex block: %w", err)
	}
	if _, err := t.readBlock(index); err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}
	return t, nil
}

// readBlock returns the uncompressed contents of the block at h after
// checking its trailer crc.
func (t *Table) readBlock(h BlockHandle) ([]byte, error) {
	end := h.Offset + h.Size + blockTrailerLen
	if end < h.Offset || end > uint64(len(t.data)) {
		return nil, fmt.Errorf("%w: block [%d,+%d) out of bounds", ErrCorrupt, h.Offset, h.Size)
	}
	raw := t.data[h.Offset:end]
	contents := raw[:h.Size]
	typ := raw[h.Size]

	want := Unmask(binary.LittleEndian.Uint32(raw[h.Size+1:]))
	got := crc32.Update(CRC32C(contents), castagnoli, []byte{typ})
	if got != want {
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", ErrCorrupt, h.Offset)
	}

	switch typ {
	case NoCompression:
		return contents, nil
	case SnappyCompression:
		out, err := snappy.Decode(nil, contents)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression type %d", ErrCorrupt, typ)
	}
}

// Entries returns every entry of the table in key order.
func (t *Table) Entries() ([]Entry, error) {
	index, err := t.readBlock(t.index)
	if err != nil {
		return nil, err
	}
	handles, err := parseBlock(index)
	if err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}

	var out []Entry
	for _, ie := range handles {
		h, _, err := decodeHandle(ie.Value)
		if err != nil {
			return nil, err
		}
		block, err := t.readBlock(h)
		if err != nil {
			return nil, err
		}
		entries, err := parseBlock(block)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Get returns the value stored under key. Only the data block whose
// index key is the first one not less than key is read.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	index, err := t.readBlock(t.index)
	if err != nil {
		return nil, false, err
	}
	handles, err := parseBlock(index)
	if err != nil {
		return nil, false, fmt.Errorf("index block: %w", err)
	}
	for _, ie := range handles {
		if bytes.Compare(ie.Key, key) < 0 {
			continue
		}
		h, _, err := decodeHandle(ie.Value)
		if err != nil {
			return nil, false, err
		}
		block, err := t.readBlock(h)
		if err != nil {
			return nil, false, err
		}
		entries, err := parseBlock(block)
		if err != nil {
			return nil, false, err
		}
		for _, e := range entries {
			if bytes.Equal(e.Key, key) {
				return e.Value, true, nil
			}
		}
		return nil, false, nil
	}
	return nil, false, nil
}

// parseBlock decodes the prefix-compressed entries of a block.
func parseBlock(b []byte) ([]Entry, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: block too short", ErrCorrupt)
	}
	numRestarts := uint64(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if numRestarts*4+4 > uint64(len(b)) {
		return nil, fmt.Errorf("%w: bad restart count %d", ErrCorrupt, numRestarts)
	}
	limit := len(b) - 4 - int(numRestarts)*4

	var (
		out  []Entry
		prev []byte
	)
	for p := 0; p < limit; {
		shared, n1 := binary.Uvarint(b[p:limit])
		if n1 <= 0 {
			return nil, fmt.Errorf("%w: bad entry header", ErrCorrupt)
		}
		p += n1
		nonShared, n2 := binary.Uvarint(b[p:limit])
		if n2 <= 0 {
			return nil, fmt.Errorf("%w: bad entry header", ErrCorrupt)
		}
		p += n2
		valueLen, n3 := binary.Uvarint(b[p:limit])
		if n3 <= 0 {
			return nil, fmt.Errorf("%w: bad entry header", ErrCorrupt)
		}
		p += n3

		if shared > uint64(len(prev)) || nonShared+valueLen > uint64(limit-p) {
			return nil, fmt.Errorf("%w: entry overruns block", ErrCorrupt)
		}
		key := make([]byte, 0, shared+nonShared)
		key = append(key, prev[:shared]...)
		key = append(key, b[p:p+int(nonShared)]...)
		p += int(nonShared)
		value := b[p : p+int(valueLen)]
		p += int(valueLen)

		out = append(out, Entry{Key: key, Value: value})
		prev = key
	}
	return out, nil
}
