// Package npy encodes arrays in the NumPy .npy format and bundles them
// into .npz archives.
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const (
	// Magic starts every .npy file.
	Magic = "\x93NUMPY"
	// Ext is the file extension of a single array.
	Ext = ".npy"

	align      = 64
	maxV1Len   = 65535
	preambleV1 = len(Magic) + 2 + 2
	preambleV2 = len(Magic) + 2 + 4
)

var (
	ErrBadMagic  = errors.New("npy: bad magic")
	ErrBadHeader = errors.New("npy: malformed header")
)

// Header is the array description that precedes the data.
type Header struct {
	Descr        string
	FortranOrder bool
	Shape        []int64
}

// FormatShape renders shape as a Python tuple: (), (16,), (3, 3).
func FormatShape(shape []int64) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (h Header) dict() string {
	order := "False"
	if h.FortranOrder {
		order = "True"
	}
	return fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': %s, }", h.Descr, order, FormatShape(h.Shape))
}

// Encode returns the magic, version, header length and padded header
// text. Version 1.0 is used unless the header needs more than 65535 bytes.
func (h Header) Encode() []byte {
	dict := h.dict()

	preamble := preambleV1
	major := byte(1)
	hlen := paddedLen(preamble, len(dict))
	if hlen > maxV1Len {
		preamble = preambleV2
		major = 2
		hlen = paddedLen(preamble, len(dict))
	}

	buf := make([]byte, 0, preamble+hlen)
	buf = append(buf, Magic...)
	buf = append(buf, major, 0)
	if major == 1 {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(hlen))
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(hlen))
	}
	buf = append(buf, dict...)
	for len(buf) < preamble+hlen-1 {
		buf = append(buf, ' ')
	}
	return append(buf, '\n')
}

// paddedLen is the header length including spaces and the final newline
// so that the data starts on a 64 byte boundary.
func paddedLen(preamble, dictLen int) int {
	n := dictLen + 1
	return n + align - (preamble+n)%align
}

// ItemSize returns the width in bytes of one element of descr.
func ItemSize(descr string) (int, error) {
	if len(descr) < 3 {
		return 0, fmt.Errorf("%w: descr %q", ErrBadHeader, descr)
	}
	n, err := strconv.Atoi(descr[2:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: descr %q", ErrBadHeader, descr)
	}
	return n, nil
}

// NumElements is the product of the shape. A scalar has one element.
func (h Header) NumElements() int64 {
	n := int64(1)
	for _, d := range h.Shape {
		n *= d
	}
	return n
}

// Write writes a complete .npy stream.
func Write(w io.Writer, h Header, data []byte) error {
	if _, err := w.Write(h.Encode()); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

var (
	descrRe = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	orderRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// ReadHeader consumes the preamble and header of r.
func ReadHeader(r io.Reader) (Header, error) {
	var pre [len(Magic) + 2]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if string(pre[:len(Magic)]) != Magic {
		return Header{}, ErrBadMagic
	}

	var hlen int
	switch major := pre[len(Magic)]; major {
	case 1:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return Header{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}
		hlen = int(l)
	case 2, 3:
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return Header{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
		}
		hlen = int(l)
	default:
		return Header{}, fmt.Errorf("%w: version %d", ErrBadHeader, major)
	}

	text := make([]byte, hlen)
	if _, err := io.ReadFull(r, text); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	return parseDict(text)
}

func parseDict(text []byte) (Header, error) {
	descr := descrRe.FindSubmatch(text)
	order := orderRe.FindSubmatch(text)
	shape := shapeRe.FindSubmatch(text)
	if descr == nil || order == nil || shape == nil {
		return Header{}, fmt.Errorf("%w: %q", ErrBadHeader, bytes.TrimSpace(text))
	}

	h := Header{
		Descr:        string(descr[1]),
		FortranOrder: string(order[1]) == "True",
		Shape:        []int64{},
	}
	for _, part := range strings.Split(string(shape[1]), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.ParseInt(part, 10, 64)
		if err != nil || d < 0 {
			return Header{}, fmt.Errorf("%w: shape %q", ErrBadHeader, shape[1])
		}
		h.Shape = append(h.Shape, d)
	}
	return h, nil
}

// Read decodes a complete .npy stream.
func Read(r io.Reader) (Header, []byte, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return Header{}, nil, err
	}
	size, err := ItemSize(h.Descr)
	if err != nil {
		return Header{}, nil, err
	}
	data := make([]byte, h.NumElements()*int64(size))
	if _, err := io.ReadFull(br, data); err != nil {
		return Header{}, nil, fmt.Errorf("npy: short data: %w", err)
	}
	return h, data, nil
}
