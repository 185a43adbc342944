package checkpoint

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// LegacyExt is the suffix of a single-file V1 checkpoint.
const LegacyExt = ".ckpt"

// Companion file suffixes of the V2 layout.
const (
	IndexExt = ".index"
	MetaExt  = ".meta"
	DataExt  = ".data"
)

// PickerExtensions lists the suffixes offered by interactive file selection.
var PickerExtensions = []string{IndexExt, LegacyExt, MetaExt}

var dataShardExt = regexp.MustCompile(`^\.data(-\d{5}-of-\d{5})?$`)

func isCompanionExt(ext string) bool {
	return ext == IndexExt || ext == MetaExt || dataShardExt.MatchString(ext)
}

// Normalize maps any file of a checkpoint to the prefix the reader expects.
// Companion suffixes are stripped, a legacy path is returned unchanged.
func Normalize(path string) (string, error) {
	clean := filepath.Clean(path)
	ext := filepath.Ext(clean)
	switch {
	case ext == LegacyExt:
		return clean, nil
	case isCompanionExt(ext):
		return strings.TrimSuffix(clean, ext), nil
	default:
		return "", fmt.Errorf("%w: %q (expected %s, %s, %s or %s[-NNNNN-of-NNNNN])",
			ErrInvalidFormat, path, LegacyExt, IndexExt, MetaExt, DataExt)
	}
}

// BaseName is the file name of path without its last extension. Sibling
// files of one checkpoint share a base name.
func BaseName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DataShardPath returns the name of data shard id out of n for prefix.
func DataShardPath(prefix string, id, n int32) string {
	return fmt.Sprintf("%s%s-%05d-of-%05d", prefix, DataExt, id, n)
}
