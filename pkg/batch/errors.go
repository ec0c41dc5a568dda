// pkg/batch/errors.go

package batch

import "github.com/pkg/errors"

var (
	// ErrNonContiguous is returned when the byte ranges given to a slab do not tile
	// [0, size) exactly. It indicates a bug in the packing logic.
	ErrNonContiguous = errors.New("byte ranges are not consecutive")

	// ErrRangeOutOfBounds is returned when a sub-range does not fit in the slab buffer.
	ErrRangeOutOfBounds = errors.New("byte range is out of the slab bounds")

	// ErrSizeMismatch is returned when a buffer does not have the length its byte range
	// promised.
	ErrSizeMismatch = errors.New("buffer size does not match byte range")

	// ErrMissingEntry is returned when a batched write request has no entry with its
	// location among the entries passed to the same call.
	ErrMissingEntry = errors.New("no entry for batched write request")

	// ErrDuplicateLocation is returned when two batchable write requests target the same
	// location.
	ErrDuplicateLocation = errors.New("duplicate write request location")

	// ErrBuilderUsed is returned by a builder that was already built.
	ErrBuilderUsed = errors.New("builder was already built")
)
