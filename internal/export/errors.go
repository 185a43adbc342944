package export

import "errors"

var (
	// ErrTensorWriteFailed marks a tensor whose file could not be written.
	// The tensor is skipped and the run continues.
	ErrTensorWriteFailed = errors.New("tensor write failed")

	// ErrFilenameCollision is returned for a tensor whose file name is
	// already taken by a tensor earlier in name order.
	ErrFilenameCollision = errors.New("filename collision")

	ErrManifestWriteFailed = errors.New("manifest write failed")
	ErrBundleWriteFailed   = errors.New("bundle write failed")

	// ErrPartialExport is returned in strict mode when any tensor was skipped.
	ErrPartialExport = errors.New("export incomplete")
)
