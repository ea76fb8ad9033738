// Package event defines the ordered progress events streamed to a scanning
// client. Events are immutable once built; per-session ordering is the
// emitter's job.
package event

// Type discriminates progress events on the wire.
type Type string

const (
	TypeDeviceInit       Type = "device_init"
	TypeDeviceConfigured Type = "device_configured"
	TypeDeviceReady      Type = "device_ready"
	TypeCaptureAttempt   Type = "capture_attempt"
	TypeTimeout          Type = "timeout"
	TypeCaptureError     Type = "capture_error"
	TypeRetry            Type = "retry"
	TypeImageCaptured    Type = "image_captured"
	TypeQualityCheck     Type = "quality_check"
	TypeWarning          Type = "warning"
	TypeProcessing       Type = "processing"
	TypeCaptureSuccess   Type = "capture_success"
	TypeCaptureFailed    Type = "capture_failed"
	TypeError            Type = "error"
	TypeDone             Type = "done"
)

// Terminal reports whether the type ends a session. Done is not terminal
// itself; it is the explicit end-of-scan marker allowed after a successful
// terminal event.
func (t Type) Terminal() bool {
	switch t {
	case TypeCaptureSuccess, TypeCaptureFailed, TypeError:
		return true
	}
	return false
}

// Event is one record in a session's progress stream.
type Event struct {
	Type         Type   `json:"type"`
	Message      string `json:"message,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	QualityScore int    `json:"quality_score,omitempty"`
	QualityLevel string `json:"quality_level,omitempty"`
	Quality      int    `json:"quality,omitempty"`
	TemplateSize int    `json:"template_size,omitempty"`
}

// Sink consumes events. Implementations must be safe for use from the single
// workflow goroutine of one session; delivery is best-effort.
type Sink func(Event)

// Discard is a Sink that drops everything.
func Discard(Event) {}

// QualityLevel buckets an advisory quality score for operator display.
func QualityLevel(score int) (level, message string) {
	switch {
	case score >= 70:
		return "EXCELLENT", "Image quality is excellent for registration."
	case score >= 50:
		return "GOOD", "Image quality is good."
	case score >= 40:
		return "ACCEPTABLE", "Image quality is acceptable for verification."
	default:
		return "LOW", "Image quality is low. Consider recapturing."
	}
}
