// Package session implements the scan session state machine: one session per
// in-flight enrollment, owning the device handle from first contact to
// guaranteed cleanup.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/high-horse/biocapture/internal/capture"
	"github.com/high-horse/biocapture/internal/device"
	"github.com/high-horse/biocapture/internal/event"
)

// State is a scan session lifecycle phase.
type State int

const (
	StateInitializing State = iota
	StateDeviceReady
	StateCapturing
	StateQualityCheck
	StateTemplateExtraction
	StateSucceeded
	StateFailed
	StateCancelled
	StateExpired
)

var stateNames = [...]string{
	"initializing", "device_ready", "capturing", "quality_check",
	"template_extraction", "succeeded", "failed", "cancelled", "expired",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further device operations may occur.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

var (
	// ErrExpired means the session outlived its deadline.
	ErrExpired = errors.New("scan session expired")
	// ErrDeviceUnavailable means the reader could not be brought up. Fatal
	// to the session; the caller may start a fresh one.
	ErrDeviceUnavailable = errors.New("fingerprint device unavailable")
)

// Config carries the externally supplied session knobs.
type Config struct {
	Timeout        time.Duration
	Brightness     int
	TemplateFormat device.TemplateFormat
	BlinkInterval  time.Duration
	Capture        capture.Config
}

// Session drives one end-to-end capture workflow. It is exclusively owned by
// its orchestrator and never shared across connections.
type Session struct {
	IdentityRef string
	DisplayName string
	Token       string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	reader   device.Reader
	dispatch *device.Dispatcher
	driver   *capture.Driver
	clock    clockwork.Clock
	cfg      Config
	led      *ledOwner

	mu       sync.Mutex
	state    State
	attempts int
	active   bool

	cleanupOnce sync.Once
	blink       *blinker
}

// New creates a session bound to identityRef with a fresh unguessable token.
func New(identityRef, displayName string, reader device.Reader, dispatch *device.Dispatcher, clock clockwork.Clock, cfg Config) *Session {
	now := clock.Now()
	return &Session{
		IdentityRef: identityRef,
		DisplayName: displayName,
		Token:       newToken(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(cfg.Timeout),
		reader:      reader,
		dispatch:    dispatch,
		driver:      capture.NewDriver(reader, dispatch, clock, cfg.Capture),
		clock:       clock,
		cfg:         cfg,
		led:         &ledOwner{reader: reader},
		state:       StateInitializing,
		active:      true,
	}
}

func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("session: entropy source unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session has not yet terminated.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Attempts returns the number of capture attempts made so far.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// IsExpired reports whether the deadline has passed. Evaluated at workflow
// checkpoints, never from a timer.
func (s *Session) IsExpired() bool {
	return !s.clock.Now().Before(s.ExpiresAt)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	if next.Terminal() {
		s.active = false
	}
	s.mu.Unlock()
	log.Debug().Str("token", s.Token).Stringer("from", prev).Stringer("to", next).Msg("session state")
}

// checkpoint is polled between device calls: cancellation first, then expiry.
func (s *Session) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.IsExpired() {
		return ErrExpired
	}
	return nil
}

// Run executes the workflow and returns the acquisition result. Cleanup
// (LED off, device close and terminate) runs exactly once before Run returns,
// on every path. The terminal state is derived from the returned error.
func (s *Session) Run(ctx context.Context, emit event.Sink) (res *capture.Result, err error) {
	defer func() {
		s.Cleanup()
		s.setState(terminalFor(err))
	}()

	if err = s.connect(ctx); err != nil {
		return nil, err
	}

	s.configure(ctx, emit)
	info := s.deviceInfo(ctx)

	if err = s.checkpoint(ctx); err != nil {
		return nil, err
	}

	// Two readiness blinks, then keep blinking in the background until a
	// finger shows up.
	s.led.blinkTimes(ctx, s.clock, 2, s.cfg.BlinkInterval)
	s.setState(StateDeviceReady)
	emit(event.Event{Type: event.TypeDeviceReady, Message: "Device is ready. Please place your thumb firmly on the scanner."})

	blinkCtx, stopBlink := context.WithCancel(ctx)
	s.blink = startBlinker(blinkCtx, s.led, s.clock, s.cfg.BlinkInterval)
	defer stopBlink()

	s.setState(StateCapturing)
	frame, attempts, err := s.driver.AcquireImage(ctx, func() error { return s.checkpoint(ctx) }, emit)
	s.mu.Lock()
	s.attempts = attempts
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.blink.Stop()

	s.setState(StateQualityCheck)
	quality := s.driver.ScoreQuality(ctx, frame, info, emit)
	if err = s.checkpoint(ctx); err != nil {
		return nil, err
	}

	s.setState(StateTemplateExtraction)
	template, err := s.driver.Extract(ctx, frame, quality, emit)
	if err != nil {
		return nil, err
	}

	return &capture.Result{Template: template, Quality: quality, Attempts: attempts}, nil
}

func terminalFor(err error) State {
	switch {
	case err == nil:
		return StateSucceeded
	case errors.Is(err, context.Canceled):
		return StateCancelled
	case errors.Is(err, ErrExpired):
		return StateExpired
	default:
		return StateFailed
	}
}

// connect brings the handle up: create, init, open. Any failure is fatal to
// the session and reported as device-unavailable.
func (s *Session) connect(ctx context.Context) error {
	log.Info().Str("token", s.Token).Str("identity", s.IdentityRef).Msg("initializing fingerprint device")
	steps := []struct {
		name string
		fn   func() error
	}{
		{"create", s.reader.Create},
		{"init", func() error { return s.reader.Init(device.AutoDetect) }},
		{"open", func() error { return s.reader.Open(device.AutoDetect) }},
	}
	for _, step := range steps {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		if err := s.dispatch.Do(ctx, step.fn); err != nil {
			log.Error().Err(err).Str("step", step.name).Msg("device bring-up failed")
			return fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, step.name, err)
		}
	}
	log.Info().Str("token", s.Token).Msg("device connected")
	return nil
}

// configure applies brightness and template format. Failures are logged and
// non-fatal; capture proceeds with device defaults.
func (s *Session) configure(ctx context.Context, emit event.Sink) {
	err := s.dispatch.Do(ctx, func() error {
		if err := s.reader.SetBrightness(s.cfg.Brightness); err != nil {
			return err
		}
		return s.reader.SetTemplateFormat(s.cfg.TemplateFormat)
	})
	if err != nil {
		log.Warn().Err(err).Msg("device configuration failed, continuing with defaults")
		return
	}
	emit(event.Event{Type: event.TypeDeviceConfigured, Message: "Device configured successfully."})
}

func (s *Session) deviceInfo(ctx context.Context) device.Info {
	var info device.Info
	err := s.dispatch.Do(ctx, func() error {
		var ierr error
		info, ierr = s.reader.Info()
		return ierr
	})
	if err != nil || info.Width == 0 || info.Height == 0 {
		log.Warn().Err(err).Msg("could not read device info, using defaults")
		return device.Info{Width: 300, Height: 400}
	}
	log.Info().Int("width", info.Width).Int("height", info.Height).Msg("device frame size")
	return info
}

// Cleanup releases device resources: background blink stopped, LED forced
// off, handle closed and terminated. Idempotent; tolerates a partially
// initialized device and never panics on reader errors.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		if s.blink != nil {
			s.blink.Stop()
		}
		if err := s.led.set(false); err != nil {
			log.Warn().Err(err).Msg("could not turn LED off during cleanup")
		}
		if err := s.reader.Close(); err != nil {
			log.Warn().Err(err).Msg("device close failed during cleanup")
		}
		if err := s.reader.Terminate(); err != nil {
			log.Warn().Err(err).Msg("device terminate failed during cleanup")
		}
		log.Debug().Str("token", s.Token).Msg("device cleanup completed")
	})
}
