package npy

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
)

// BundleExt is the file extension of an array bundle.
const BundleExt = ".npz"

// BundleWriter writes several arrays into one .npz archive. Members are
// named after the array with the .npy extension.
type BundleWriter struct {
	zw     *zip.Writer
	method uint16
	opts   Options
	names  map[string]struct{}
}

// NewBundleWriter starts an archive on w. Members are deflated when
// compress is set and stored otherwise.
func NewBundleWriter(w io.Writer, compress bool, opts Options) *BundleWriter {
	method := zip.Store
	if compress {
		method = zip.Deflate
	}
	return &BundleWriter{
		zw:     zip.NewWriter(w),
		method: method,
		opts:   opts,
		names:  make(map[string]struct{}),
	}
}

// Add writes t as the member <t.Name>.npy.
func (b *BundleWriter) Add(t *checkpoint.Tensor) error {
	name := t.Name + Ext
	if _, dup := b.names[name]; dup {
		return fmt.Errorf("npz: duplicate member %q", name)
	}
	b.names[name] = struct{}{}

	// A zero Modified time keeps archives byte-identical across runs.
	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: name, Method: b.method})
	if err != nil {
		return fmt.Errorf("npz: create %q: %w", name, err)
	}
	if err := WriteTensor(w, t, b.opts); err != nil {
		return fmt.Errorf("npz: write %q: %w", name, err)
	}
	return nil
}

// Close writes the central directory. It does not close the underlying writer.
func (b *BundleWriter) Close() error {
	return b.zw.Close()
}

// Member is one array of a bundle.
type Member struct {
	Name   string
	Header Header
}

// ListBundle returns the arrays stored in the .npz file at path, ordered
// by name. Member names have the .npy extension removed.
func ListBundle(path string) ([]Member, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()

	members := make([]Member, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("npz: open %q: %w", f.Name, err)
		}
		h, err := ReadHeader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("npz: member %q: %w", f.Name, err)
		}
		members = append(members, Member{Name: strings.TrimSuffix(f.Name, Ext), Header: h})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}
