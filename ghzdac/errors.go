package ghzdac

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError is returned when a corrector or filter is asked for
// with options that make no sense, e.g. an unknown filter shape.
type ConfigurationError struct {
	Option string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Option, e.Value, e.Reason)
}

// CalibrationMissingError is returned in strict mode when no dataset of the
// requested type exists for a board
type CalibrationMissingError struct {
	Board string
	Type  CalType
}

func (e *CalibrationMissingError) Error() string {
	return fmt.Sprintf("no %s calibration available for board %q", e.Type, e.Board)
}

// CalibrationFormatError is returned when a calibration dataset exists but
// its shape or metadata cannot be used.  It is always fatal; no partial
// correction is attempted.
type CalibrationFormatError struct {
	Board   string
	Type    CalType
	Dataset string
	Reason  string
}

func (e *CalibrationFormatError) Error() string {
	return fmt.Sprintf("malformed %s calibration %q for board %q: %s", e.Type, e.Dataset, e.Board, e.Reason)
}

func formatErr(board string, typ CalType, dataset, format string, args ...interface{}) error {
	return &CalibrationFormatError{Board: board, Type: typ, Dataset: dataset, Reason: fmt.Sprintf(format, args...)}
}

// storeFailure is err unless it is one of the errors above, which say
// nothing about the health of the store connection
func storeFailure(err error) error {
	var (
		ce *ConfigurationError
		me *CalibrationMissingError
		fe *CalibrationFormatError
	)
	if errors.As(err, &ce) || errors.As(err, &me) || errors.As(err, &fe) {
		return nil
	}
	return err
}
