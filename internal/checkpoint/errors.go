package checkpoint

import "errors"

var (
	// ErrInvalidFormat is returned when a path does not name a checkpoint file.
	ErrInvalidFormat = errors.New("invalid checkpoint format")

	// ErrCheckpointUnreadable is returned when the checkpoint cannot be opened or decoded.
	ErrCheckpointUnreadable = errors.New("checkpoint unreadable")

	// ErrPartitioned is returned for tensors stored as several slices.
	ErrPartitioned = errors.New("partitioned tensors are not supported")

	// ErrUnsupportedDType is returned for element types that have no dense encoding.
	ErrUnsupportedDType = errors.New("unsupported dtype")

	// ErrTensorNotFound is returned when a name is absent from the checkpoint.
	ErrTensorNotFound = errors.New("tensor not found")
)
