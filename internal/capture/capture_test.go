package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/high-horse/biocapture/internal/device"
	"github.com/high-horse/biocapture/internal/event"
)

// scriptReader plays back a scripted sequence of capture outcomes.
type scriptReader struct {
	device.Reader

	captures   []captureStep
	captureIdx int

	quality    int
	qualityErr error

	template   []byte
	extractErr error
}

type captureStep struct {
	frame []byte
	err   error
}

func (r *scriptReader) Capture(ctx context.Context, timeout time.Duration, threshold int) ([]byte, error) {
	if r.captureIdx >= len(r.captures) {
		return nil, &device.Error{Op: "capture", Code: device.CodeTimeout}
	}
	step := r.captures[r.captureIdx]
	r.captureIdx++
	return step.frame, step.err
}

func (r *scriptReader) Quality(image []byte, w, h int) (int, error) {
	return r.quality, r.qualityErr
}

func (r *scriptReader) Extract(image []byte, quality int) ([]byte, error) {
	return r.template, r.extractErr
}

type recorder struct {
	events []event.Event
}

func (r *recorder) sink() event.Sink {
	return func(ev event.Event) { r.events = append(r.events, ev) }
}

func (r *recorder) types() []event.Type {
	out := make([]event.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxAttempts:      3,
		AttemptTimeout:   50 * time.Millisecond,
		Backoff:          time.Millisecond,
		QualityThreshold: 30,
		QualityWarnBelow: 40,
	}
}

func newTestDriver(r device.Reader) *Driver {
	return NewDriver(r, device.NewDispatcher(2), clockwork.NewRealClock(), testConfig())
}

func TestAcquireImageFirstAttempt(t *testing.T) {
	frame := []byte{1, 2, 3}
	reader := &scriptReader{captures: []captureStep{{frame: frame}}}
	rec := &recorder{}

	got, attempts, err := newTestDriver(reader).AcquireImage(context.Background(), nil, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, []event.Type{event.TypeCaptureAttempt, event.TypeImageCaptured}, rec.types())
	assert.Equal(t, 1, rec.events[0].Attempt)
	assert.Equal(t, 3, rec.events[0].MaxAttempts)
}

func TestAcquireImageRetriesAfterTimeouts(t *testing.T) {
	frame := []byte{9}
	reader := &scriptReader{captures: []captureStep{
		{err: &device.Error{Op: "capture", Code: device.CodeTimeout}},
		{err: &device.Error{Op: "capture", Code: device.CodeTimeout}},
		{frame: frame},
	}}
	rec := &recorder{}

	got, attempts, err := newTestDriver(reader).AcquireImage(context.Background(), nil, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Equal(t, 3, attempts)

	var attemptEvents, timeoutEvents int
	for _, ev := range rec.events {
		switch ev.Type {
		case event.TypeCaptureAttempt:
			attemptEvents++
		case event.TypeTimeout:
			timeoutEvents++
		}
	}
	assert.Equal(t, 3, attemptEvents)
	assert.Equal(t, 2, timeoutEvents)
}

func TestAcquireImageExhaustsAttempts(t *testing.T) {
	reader := &scriptReader{captures: []captureStep{
		{err: &device.Error{Op: "capture", Code: device.CodeTimeout}},
		{err: &device.Error{Op: "capture", Code: device.CodeWrongImage}},
		{err: errors.New("usb flaked out")},
	}}
	rec := &recorder{}

	_, attempts, err := newTestDriver(reader).AcquireImage(context.Background(), nil, rec.sink())
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 3, attempts)
	assert.LessOrEqual(t, attempts, testConfig().MaxAttempts)

	types := rec.types()
	assert.Contains(t, types, event.TypeTimeout)
	assert.Contains(t, types, event.TypeRetry)
	assert.Contains(t, types, event.TypeCaptureError)
	assert.NotContains(t, types, event.TypeImageCaptured)
}

func TestAcquireImageStopsAtCheckpoint(t *testing.T) {
	stop := errors.New("session must stop")
	reader := &scriptReader{captures: []captureStep{{frame: []byte{1}}}}

	_, _, err := newTestDriver(reader).AcquireImage(context.Background(), func() error { return stop }, event.Discard)
	require.ErrorIs(t, err, stop)
	assert.Zero(t, reader.captureIdx, "no device call may follow a failed checkpoint")
}

func TestScoreQualityLowEmitsWarningButProceeds(t *testing.T) {
	reader := &scriptReader{quality: 25}
	rec := &recorder{}

	score := newTestDriver(reader).ScoreQuality(context.Background(), []byte{1}, device.Info{Width: 1, Height: 1}, rec.sink())
	assert.Equal(t, 25, score)
	assert.Equal(t, []event.Type{event.TypeQualityCheck, event.TypeWarning}, rec.types())
	assert.Equal(t, "LOW", rec.events[0].QualityLevel)
}

func TestScoreQualityScorerFailureFallsBack(t *testing.T) {
	reader := &scriptReader{qualityErr: errors.New("scorer broken")}
	rec := &recorder{}

	score := newTestDriver(reader).ScoreQuality(context.Background(), []byte{1}, device.Info{Width: 1, Height: 1}, rec.sink())
	assert.Equal(t, 50, score)
	assert.Empty(t, rec.events)
}

func TestExtractPassesInadequateMinutiaeThrough(t *testing.T) {
	reader := &scriptReader{extractErr: &device.Error{Op: "extract", Code: device.CodeFeatNumber}}

	_, err := newTestDriver(reader).Extract(context.Background(), []byte{1}, 60, event.Discard)
	require.ErrorIs(t, err, device.ErrInadequateMinutiae)
}

func TestAcquireTemplateFullProtocol(t *testing.T) {
	template := []byte("tpl-bytes")
	reader := &scriptReader{
		captures: []captureStep{{frame: []byte{1, 2}}},
		quality:  75,
		template: template,
	}
	rec := &recorder{}

	res, err := newTestDriver(reader).AcquireTemplate(context.Background(), nil, device.Info{Width: 2, Height: 1}, rec.sink())
	require.NoError(t, err)
	assert.Equal(t, template, res.Template)
	assert.Equal(t, 75, res.Quality)
	assert.Equal(t, 1, res.Attempts)

	assert.Equal(t, []event.Type{
		event.TypeCaptureAttempt,
		event.TypeImageCaptured,
		event.TypeQualityCheck,
		event.TypeProcessing,
	}, rec.types())
	assert.Equal(t, "EXCELLENT", rec.events[2].QualityLevel)
}
