// Package manifest records which file holds each exported tensor and the
// digest of that file.
package manifest

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Suffix is appended to the checkpoint base name to form the manifest name.
const Suffix = "_metadata.json"

// ErrChecksumMismatch is returned by Verify when a file no longer matches its entry.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Entry describes one exported tensor. Field order is the serialized order.
type Entry struct {
	TensorName string `json:"tensor_name"`
	Filename   string `json:"filename"`
	Checksum   string `json:"checksum"`
}

// Filename maps a tensor name to its file name: every "/" becomes "_"
// and ext is appended.
func Filename(tensorName, ext string) string {
	return strings.ReplaceAll(tensorName, "/", "_") + ext
}

// Path returns the manifest location for a checkpoint base name.
func Path(dir, base string) string {
	return filepath.Join(dir, base+Suffix)
}

// Checksum returns the lowercase hex MD5 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Encode serializes entries as an indented JSON array with a trailing newline.
func Encode(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write replaces the manifest at path. The document is written to a
// temporary file in the same directory and renamed into place.
func Write(path string, entries []Entry) error {
	data, err := Encode(entries)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Read loads the manifest at path.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return entries, nil
}

// Mismatch is an entry whose file could not be confirmed.
type Mismatch struct {
	Entry Entry
	Got   string
	Err   error
}

func (m Mismatch) String() string {
	if m.Err != nil {
		return fmt.Sprintf("%s: %v", m.Entry.Filename, m.Err)
	}
	return fmt.Sprintf("%s: checksum %s, manifest says %s", m.Entry.Filename, m.Got, m.Entry.Checksum)
}

// Verify recomputes the checksum of every entry's file under dir. It
// returns the entries that differ and an error wrapping
// ErrChecksumMismatch if there are any.
func Verify(dir string, entries []Entry) ([]Mismatch, error) {
	var mismatches []Mismatch
	for _, e := range entries {
		got, err := Checksum(filepath.Join(dir, e.Filename))
		switch {
		case err != nil:
			mismatches = append(mismatches, Mismatch{Entry: e, Err: err})
		case got != e.Checksum:
			mismatches = append(mismatches, Mismatch{Entry: e, Got: got})
		}
	}
	if len(mismatches) > 0 {
		return mismatches, fmt.Errorf("%w: %d of %d files", ErrChecksumMismatch, len(mismatches), len(entries))
	}
	return nil, nil
}
