// Package capture implements the retry-and-quality-gate acquisition protocol
// on top of the device capability contract.
//
// Acquisition is two-phase, mirroring the hardware: a bounded attempt loop
// yields a raw frame, then extraction turns the frame into a template. A low
// quality score between the phases is advisory only; the authoritative gate
// is minutiae adequacy during extraction.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/high-horse/biocapture/internal/device"
	"github.com/high-horse/biocapture/internal/event"
)

// ErrAttemptsExhausted means no usable frame was acquired within the
// configured attempt budget. Recoverable at the session boundary.
var ErrAttemptsExhausted = errors.New("no usable image after maximum capture attempts")

// Config holds the externally supplied acquisition knobs. Nothing here is
// hard-coded in the loop itself.
type Config struct {
	MaxAttempts      int
	AttemptTimeout   time.Duration
	Backoff          time.Duration
	QualityThreshold int
	QualityWarnBelow int
}

// Result is a successful acquisition.
type Result struct {
	Template []byte
	Quality  int
	Attempts int
}

// Checkpoint is polled between device calls; a non-nil return stops the
// protocol without issuing further calls. Cancellation and session expiry
// both arrive through here, cooperatively.
type Checkpoint func() error

// Driver drives one reader through the acquisition protocol. It holds no
// state across calls beyond its configuration; the device handle belongs to
// the calling session.
type Driver struct {
	reader   device.Reader
	dispatch *device.Dispatcher
	clock    clockwork.Clock
	cfg      Config
}

// NewDriver returns a driver over reader. The dispatcher bounds concurrent
// blocking device calls; the clock makes backoff pauses testable.
func NewDriver(reader device.Reader, dispatch *device.Dispatcher, clock clockwork.Clock, cfg Config) *Driver {
	return &Driver{reader: reader, dispatch: dispatch, clock: clock, cfg: cfg}
}

// AcquireImage runs the bounded attempt loop and returns the first raw frame
// the reader accepts, along with the attempt count spent. Attempt-level
// failures are classified, reported through emit, and retried after a fixed
// backoff; only an exhausted budget is an error.
func (d *Driver) AcquireImage(ctx context.Context, check Checkpoint, emit event.Sink) ([]byte, int, error) {
	if check == nil {
		check = func() error { return nil }
	}
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := check(); err != nil {
			return nil, attempt - 1, err
		}

		log.Info().Int("attempt", attempt).Int("max", d.cfg.MaxAttempts).Msg("capture attempt")
		emit(event.Event{
			Type:        event.TypeCaptureAttempt,
			Message:     fmt.Sprintf("Attempt %d/%d: Place your finger firmly on the sensor.", attempt, d.cfg.MaxAttempts),
			Attempt:     attempt,
			MaxAttempts: d.cfg.MaxAttempts,
		})

		var frame []byte
		err := d.dispatch.Do(ctx, func() error {
			var captureErr error
			frame, captureErr = d.reader.Capture(ctx, d.cfg.AttemptTimeout, d.cfg.QualityThreshold)
			return captureErr
		})

		if cerr := check(); cerr != nil {
			return nil, attempt, cerr
		}

		switch {
		case err == nil:
			log.Info().Int("attempt", attempt).Int("bytes", len(frame)).Msg("image captured")
			emit(event.Event{Type: event.TypeImageCaptured, Message: "Fingerprint image captured successfully!"})
			return frame, attempt, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, attempt, err
		case errors.Is(err, device.ErrTimeout):
			log.Warn().Int("attempt", attempt).Msg("capture timeout")
			emit(event.Event{Type: event.TypeTimeout, Message: fmt.Sprintf("Timeout on attempt %d. Please try again.", attempt)})
		case errors.Is(err, device.ErrNoFinger):
			log.Warn().Int("attempt", attempt).Msg("no valid fingerprint in frame")
			emit(event.Event{Type: event.TypeRetry, Message: "No valid fingerprint detected. Adjust finger placement and try again."})
		default:
			log.Warn().Err(err).Int("attempt", attempt).Msg("capture error")
			emit(event.Event{Type: event.TypeCaptureError, Message: "Capture failed: " + err.Error()})
		}

		if attempt < d.cfg.MaxAttempts {
			if err := d.pause(ctx); err != nil {
				return nil, attempt, err
			}
			emit(event.Event{Type: event.TypeRetry, Message: "Retrying... Ensure finger is clean, dry, and covers the entire sensor."})
		}
	}

	log.Error().Int("attempts", d.cfg.MaxAttempts).Msg("capture attempts exhausted")
	return nil, d.cfg.MaxAttempts, ErrAttemptsExhausted
}

// ScoreQuality rates a captured frame and reports the advisory result. A
// score below the warning threshold emits a warning but never aborts; a
// scorer failure falls back to a neutral 50.
func (d *Driver) ScoreQuality(ctx context.Context, frame []byte, info device.Info, emit event.Sink) int {
	var score int
	err := d.dispatch.Do(ctx, func() error {
		var qerr error
		score, qerr = d.reader.Quality(frame, info.Width, info.Height)
		return qerr
	})
	if err != nil {
		log.Warn().Err(err).Msg("quality verification failed, assuming neutral score")
		return 50
	}

	level, msg := event.QualityLevel(score)
	log.Info().Int("score", score).Str("level", level).Msg("image quality")
	emit(event.Event{Type: event.TypeQualityCheck, Message: msg, QualityScore: score, QualityLevel: level})

	if score < d.cfg.QualityWarnBelow {
		emit(event.Event{
			Type:    event.TypeWarning,
			Message: fmt.Sprintf("Image quality low (%d). Please try again with a cleaner, drier finger.", score),
		})
	}
	return score
}

// Extract turns a frame into a template. ErrInadequateMinutiae is recoverable
// at the session boundary and is passed through unwrapped for classification.
func (d *Driver) Extract(ctx context.Context, frame []byte, quality int, emit event.Sink) ([]byte, error) {
	emit(event.Event{Type: event.TypeProcessing, Message: "Processing fingerprint..."})

	var template []byte
	err := d.dispatch.Do(ctx, func() error {
		var xerr error
		template, xerr = d.reader.Extract(frame, quality)
		return xerr
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int("template_size", len(template)).Msg("template created")
	return template, nil
}

// AcquireTemplate composes the three phases into the full protocol:
// bounded image acquisition, advisory quality scoring, extraction.
func (d *Driver) AcquireTemplate(ctx context.Context, check Checkpoint, info device.Info, emit event.Sink) (*Result, error) {
	if check == nil {
		check = func() error { return nil }
	}
	frame, attempts, err := d.AcquireImage(ctx, check, emit)
	if err != nil {
		return nil, err
	}
	quality := d.ScoreQuality(ctx, frame, info, emit)
	if err := check(); err != nil {
		return nil, err
	}
	template, err := d.Extract(ctx, frame, quality, emit)
	if err != nil {
		return nil, err
	}
	return &Result{Template: template, Quality: quality, Attempts: attempts}, nil
}

func (d *Driver) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(d.cfg.Backoff):
		return nil
	}
}
