package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, n int, opts ...WriterOption) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf, opts...)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("layer_%04d/weights", i)
		require.NoError(t, w.Add([]byte(key), []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestMaskRoundTrip(t *testing.T) {
	for _, crc := range []uint32{0, 1, 0xdeadbeef, 0xffffffff, CRC32C([]byte("hello"))} {
		assert.Equal(t, crc, Unmask(Mask(crc)))
	}
	assert.NotEqual(t, uint32(0xdeadbeef), Mask(0xdeadbeef))
}

func TestCRC32CKnownValue(t *testing.T) {
	// Castagnoli check value for "123456789".
	assert.Equal(t, uint32(0xe3069283), CRC32C([]byte("123456789")))
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		n    int
		opts []WriterOption
	}{
		{"empty", 0, nil},
		{"single block", 10, nil},
		{"many blocks", 500, []WriterOption{WithBlockSize(256)}},
		{"snappy", 200, []WriterOption{WithCompression(SnappyCompression), WithBlockSize(512)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildTable(t, tt.n, tt.opts...)
			tbl, err := Open(data)
			require.NoError(t, err)

			entries, err := tbl.Entries()
			require.NoError(t, err)
			require.Len(t, entries, tt.n)
			for i, e := range entries {
				assert.Equal(t, fmt.Sprintf("layer_%04d/weights", i), string(e.Key))
				assert.Equal(t, fmt.Sprintf("value-%d", i), string(e.Value))
			}
		})
	}
}

func TestGet(t *testing.T) {
	tbl, err := Open(buildTable(t, 40, WithBlockSize(128)))
	require.NoError(t, err)

	v, ok, err := tbl.Get([]byte("layer_0033/weights"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value-33", string(v))

	_, ok, err = tbl.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetEveryBlock(t *testing.T) {
	tbl, err := Open(buildTable(t, 40, WithBlockSize(64)))
	require.NoError(t, err)

	for _, i := range []int{0, 1, 17, 38, 39} {
		v, ok, err := tbl.Get([]byte(fmt.Sprintf("layer_%04d/weights", i)))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(v))
	}

	for _, key := range []string{"", "layer_0017", "zzz"} {
		_, ok, err := tbl.Get([]byte(key))
		require.NoError(t, err)
		assert.False(t, ok, "key %q", key)
	}
}

func TestEmptyKeyFirst(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Add([]byte(""), []byte("header")))
	require.NoError(t, w.Add([]byte("a"), []byte("1")))
	require.NoError(t, w.Close())

	tbl, err := Open(buf.Bytes())
	require.NoError(t, err)
	v, ok, err := tbl.Get(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "header", string(v))
}

func TestWriterRejectsUnorderedKeys(t *testing.T) {
	w := NewWriter(&bytes.Buffer{})
	require.NoError(t, w.Add([]byte("b"), nil))
	assert.Error(t, w.Add([]byte("a"), nil))
	assert.Error(t, w.Add([]byte("b"), nil))
}

func TestOpenBadMagic(t *testing.T) {
	data := buildTable(t, 3)
	binary.LittleEndian.PutUint64(data[len(data)-8:], 0x1234)
	_, err := Open(data)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenTooShort(t *testing.T) {
	_, err := Open([]byte("short"))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenCorruptMetaindex(t *testing.T) {
	data := buildTable(t, 3)
	h, _, err := decodeHandle(data[len(data)-footerLen:])
	require.NoError(t, err)
	data[h.Offset] ^= 0xff

	_, err = Open(data)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorContains(t, err, "metaindex")
}

func TestCorruptBlockDetected(t *testing.T) {
	data := buildTable(t, 5)
	// First data block starts at offset 0; flip a byte inside it.
	data[3] ^= 0xff
	tbl, err := Open(data)
	require.NoError(t, err)
	_, err = tbl.Entries()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.index")
	require.NoError(t, os.WriteFile(path, buildTable(t, 4), 0o644))

	tbl, err := ReadFile(path)
	require.NoError(t, err)
	entries, err := tbl.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	_, err = ReadFile(filepath.Join(t.TempDir(), "absent.index"))
	assert.True(t, os.IsNotExist(err))
}
