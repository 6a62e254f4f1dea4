package codec

import "errors"

var (
	// ErrMalformed is returned when the version tag, kind or structure of
	// a byte record is not recognized. It is fatal for the record.
	ErrMalformed = errors.New("malformed record")

	// ErrVersionMismatch is returned when a record carries a version tag
	// newer than this build supports. It is fatal for the record.
	ErrVersionMismatch = errors.New("record version newer than supported")

	// ErrUnsupported is returned when a record cannot be expressed in the
	// requested encoding version.
	ErrUnsupported = errors.New("record not representable in version")
)
