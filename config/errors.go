package config

import "github.com/pkg/errors"

var (
	// ErrInvalid marks configuration that is inconsistent with the data or model
	ErrInvalid = errors.New("invalid configuration")
	// ErrUnsupported marks option combinations the trainer rejects outright
	ErrUnsupported = errors.New("unsupported configuration")
)

// Invalidf wraps ErrInvalid with a formatted message
func Invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

// Unsupportedf wraps ErrUnsupported with a formatted message
func Unsupportedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}
