// Package device defines the capability contract for a fingerprint reader and
// provides a software simulator implementing it.
//
// The contract mirrors the two-phase hardware protocol: raw image acquisition
// first, minutiae extraction second. Implementations own no session state;
// callers own the handle lifecycle (Create → Init → Open → ... → Close →
// Terminate) and must close and terminate exactly once per open handle.
package device

import (
	"context"
	"time"
)

// AutoDetect selects the first attached unit during Init/Open.
const AutoDetect = 0

// TemplateFormat identifies the on-wire template encoding produced by Extract.
type TemplateFormat uint16

const (
	FormatSG400   TemplateFormat = 0x0200
	FormatANSI378 TemplateFormat = 0x0100
)

// ParseTemplateFormat maps a config string to a TemplateFormat.
func ParseTemplateFormat(s string) TemplateFormat {
	if s == "ansi378" {
		return FormatANSI378
	}
	return FormatSG400
}

// Info describes an open reader. Width and height are the raw frame
// dimensions in pixels.
type Info struct {
	SerialNumber string
	Width        int
	Height       int
	DPI          int
}

// Reader is the capability surface of one physical (or simulated) unit.
//
// Capture blocks until a finger is presented or the timeout elapses; an
// in-flight capture cannot be interrupted by software, so callers observe
// cancellation only after the call returns.
type Reader interface {
	Create() error
	Init(selector uint32) error
	Open(index int) error
	Close() error
	Terminate() error

	Info() (Info, error)
	SetBrightness(level int) error
	SetTemplateFormat(format TemplateFormat) error
	SetLED(on bool) error

	Capture(ctx context.Context, timeout time.Duration, qualityThreshold int) ([]byte, error)
	Quality(image []byte, width, height int) (int, error)
	Extract(image []byte, quality int) ([]byte, error)
}
