package ubifs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers can test with errors.Is; the wrapped
// message carries the specifics.
var (
	ErrInvalidGeometry   = errors.New("invalid geometry")
	ErrInvalidOption     = errors.New("invalid option")
	ErrTooManyLEBs       = errors.New("max_leb_cnt too low")
	ErrIndexTooBig       = errors.New("index too big")
	ErrCompressionFailed = errors.New("compression failed")
	ErrEncryptionFailed  = errors.New("encryption failed")
	ErrSigningFailed     = errors.New("signing failed")
	ErrDeviceTable       = errors.New("bad device table entry")
)

func geometryErrf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidGeometry, fmt.Sprintf(format, args...))
}

func optionErrf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOption, fmt.Sprintf(format, args...))
}

// sourceErrf wraps a host I/O failure with the offending path.
func sourceErrf(path string, err error) error {
	return fmt.Errorf("source %q: %w", path, err)
}

// sinkErrf wraps a target write failure with the LEB number.
func sinkErrf(lnum int, err error) error {
	return fmt.Errorf("LEB %d: %w", lnum, err)
}
