// pkg/manifest/dtype.go

package manifest

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// elementBytes holds the dtypes written byte for byte by the buffer_protocol serializer.
// Only dtypes with a Go element type in gopjrt belong here.
var elementBytes = map[dtypes.DType]int64{
	dtypes.Bool:       1,
	dtypes.Int8:       1,
	dtypes.Int16:      2,
	dtypes.Int32:      4,
	dtypes.Int64:      8,
	dtypes.Uint8:      1,
	dtypes.Uint16:     2,
	dtypes.Uint32:     4,
	dtypes.Uint64:     8,
	dtypes.Float16:    2,
	dtypes.BFloat16:   2,
	dtypes.Float32:    4,
	dtypes.Float64:    8,
	dtypes.Complex64:  8,
	dtypes.Complex128: 16,
}

// packedBits holds the dtypes stored as packed bits. They have no Go element type and are
// written through the cbor serializer.
var packedBits = map[dtypes.DType]int{
	dtypes.S2:            2,
	dtypes.U2:            2,
	dtypes.S4:            4,
	dtypes.U4:            4,
	dtypes.F4E2M1FN:      4,
	dtypes.F8E5M2:        8,
	dtypes.F8E4M3FN:      8,
	dtypes.F8E4M3B11FNUZ: 8,
	dtypes.F8E5M2FNUZ:    8,
	dtypes.F8E4M3FNUZ:    8,
	dtypes.F8E4M3:        8,
	dtypes.F8E3M4:        8,
	dtypes.F8E8M0FNU:     8,
}

// ParseDType resolves a dtype name as written in the manifest.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, found := dtypes.MapOfNames[name]
	if !found || dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, errors.Errorf("unsupported dtype %q", name)
	}
	return dtype, nil
}

// IsBufferProtocol reports whether tensors of dtype are stored byte for byte, so that
// their serialized size is known from the shape alone.
func IsBufferProtocol(dtype dtypes.DType) bool {
	_, ok := elementBytes[dtype]
	return ok
}

// BitWidth returns the number of bits of one element of dtype. ok is false for dtypes
// that cannot be stored, such as TOKEN.
func BitWidth(dtype dtypes.DType) (bits int, ok bool) {
	if n, found := elementBytes[dtype]; found {
		return int(n) * 8, true
	}
	bits, ok = packedBits[dtype]
	return
}

// ElementSize returns the number of bytes of one element of the named dtype.
func ElementSize(name string) (int64, error) {
	dtype, err := ParseDType(name)
	if err != nil {
		return 0, err
	}
	n, ok := elementBytes[dtype]
	if !ok {
		return 0, errors.Errorf("dtype %s has no byte-aligned element type", dtype)
	}
	return n, nil
}
