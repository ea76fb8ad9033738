package device

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying reader failures. Wrap these from Reader
// implementations so callers can branch with errors.Is.
var (
	// ErrTimeout means no finger was presented within the capture timeout.
	ErrTimeout = errors.New("capture timeout: no finger detected")
	// ErrNoFinger means a frame was read but contained no valid fingerprint.
	ErrNoFinger = errors.New("no valid fingerprint detected")
	// ErrInadequateMinutiae means extraction found too few ridge features.
	ErrInadequateMinutiae = errors.New("inadequate number of minutiae")
	// ErrNotFound means no reader unit is attached.
	ErrNotFound = errors.New("device not found")
	// ErrBusy means another session holds the exclusive device lock.
	ErrBusy = errors.New("device busy")
)

// Code is a raw reader SDK status code.
type Code int

const (
	CodeNone           Code = 0
	CodeCreationFailed Code = 1
	CodeCallFailed     Code = 2
	CodeInvalidParam   Code = 3
	CodeChipInit       Code = 52
	CodeImageLost      Code = 53
	CodeTimeout        Code = 54
	CodeNotFound       Code = 55
	CodeWrongImage     Code = 57
	CodeUSBBandwidth   Code = 58
	CodeFeatNumber     Code = 101
	CodeWrongTemplate  Code = 102
)

var codeDescriptions = map[Code]string{
	CodeNone:           "no error",
	CodeCreationFailed: "device object creation failed",
	CodeCallFailed:     "function call failed",
	CodeInvalidParam:   "invalid parameter",
	CodeChipInit:       "chip initialization failed",
	CodeImageLost:      "image data lost",
	CodeTimeout:        "capture timeout - no finger detected",
	CodeNotFound:       "device not found",
	CodeWrongImage:     "wrong image - no valid fingerprint detected",
	CodeUSBBandwidth:   "lack of USB bandwidth",
	CodeFeatNumber:     "inadequate number of minutiae",
	CodeWrongTemplate:  "wrong template type",
}

// Description returns a human-readable message for the code.
func (c Code) Description() string {
	if d, ok := codeDescriptions[c]; ok {
		return d
	}
	return fmt.Sprintf("unknown error code %d", int(c))
}

// Error is a reader failure carrying the failing operation and raw code.
type Error struct {
	Op   string
	Code Code
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Op, e.Code.Description(), int(e.Code))
}

// Unwrap maps well-known codes onto the sentinel taxonomy.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeTimeout:
		return ErrTimeout
	case CodeWrongImage:
		return ErrNoFinger
	case CodeNotFound:
		return ErrNotFound
	case CodeFeatNumber:
		return ErrInadequateMinutiae
	}
	return nil
}
