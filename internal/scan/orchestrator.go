package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/high-horse/biocapture/internal/capture"
	"github.com/high-horse/biocapture/internal/device"
	"github.com/high-horse/biocapture/internal/event"
	"github.com/high-horse/biocapture/internal/session"
	"github.com/high-horse/biocapture/internal/store"
)

// Store is the applicant lookup and template handoff surface the
// orchestrator needs.
type Store interface {
	GetApplicant(ctx context.Context, identityNumber string) (*store.Applicant, error)
	StoreTemplate(ctx context.Context, identityNumber string, sealed []byte, quality int) error
}

// Sealer encrypts a template before the persistence handoff.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
}

const storeTimeout = 5 * time.Second

// Orchestrator runs scan sessions for websocket clients, racing each session
// workflow against client disconnection. Exactly one path closes the channel
// and the device never outlives the orchestrator's return.
type Orchestrator struct {
	store       Store
	sealer      Sealer
	newReader   func() device.Reader
	lock        *device.Lock
	dispatch    *device.Dispatcher
	clock       clockwork.Clock
	hub         *Hub
	sessionCfg  session.Config
	maxSessions int
}

// NewOrchestrator wires an orchestrator. newReader builds a fresh reader
// handle per session; lock guards the single physical unit.
func NewOrchestrator(st Store, sealer Sealer, newReader func() device.Reader, lock *device.Lock, dispatch *device.Dispatcher, clock clockwork.Clock, hub *Hub, sessionCfg session.Config, maxSessions int) *Orchestrator {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Orchestrator{
		store:       st,
		sealer:      sealer,
		newReader:   newReader,
		lock:        lock,
		dispatch:    dispatch,
		clock:       clock,
		hub:         hub,
		sessionCfg:  sessionCfg,
		maxSessions: maxSessions,
	}
}

// control is one parsed inbound frame, or a closed channel on disconnect.
type control struct {
	action string
}

// watchInbox reads inbound frames into a channel. The channel closes when the
// client disconnects; parsed actions are dropped when nobody is selecting,
// which only happens in the short windows between sessions.
func watchInbox(conn Conn) <-chan control {
	ch := make(chan control, 4)
	go func() {
		defer close(ch)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Action string `json:"action"`
			}
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			c := control{action: strings.ToLower(strings.TrimSpace(msg.Action))}
			select {
			case ch <- c:
			default:
			}
		}
	}()
	return ch
}

type scanOutcome struct {
	res *capture.Result
	err error
}

type outcome int

const (
	outcomeClosed outcome = iota
	outcomeRetryAllowed
)

// HandleScan serves one websocket client end to end: identity validation,
// then up to maxSessions scan sessions separated by client restart requests.
func (o *Orchestrator) HandleScan(conn Conn, identityNumber string) {
	log.Info().Str("identity", identityNumber).Msg("scan channel connected")

	o.hub.Add(GroupEnrollment, conn)
	defer o.hub.Remove(GroupEnrollment, conn)

	applicant, err := o.lookup(identityNumber)
	if err != nil {
		em := NewEmitter(conn, "")
		if errors.Is(err, store.ErrNotFound) {
			em.Emit(event.Event{Type: event.TypeError, Message: fmt.Sprintf("No applicant found for identity %s.", identityNumber)})
			_ = conn.CloseWithCode(CloseIdentityNotFound, "unknown identity")
			return
		}
		log.Error().Err(err).Str("identity", identityNumber).Msg("applicant lookup failed")
		em.Emit(event.Event{Type: event.TypeError, Message: "Internal error while validating identity."})
		_ = conn.CloseWithCode(CloseInternalError, "lookup failed")
		return
	}

	inbox := watchInbox(conn)

	for sessions := 1; ; sessions++ {
		if o.runOnce(conn, inbox, applicant) == outcomeClosed {
			return
		}

		// capture_failed left the channel open; the client decides whether
		// to run another session, bounded so a stuck client cannot hold the
		// device hostage indefinitely.
		if sessions >= o.maxSessions {
			log.Warn().Str("identity", identityNumber).Int("sessions", sessions).Msg("session cap reached")
			_ = conn.CloseWithCode(CloseSessionCap, "session limit reached")
			return
		}
		for {
			c, ok := <-inbox
			if !ok || c.action == "cancel" {
				_ = conn.CloseWithCode(CloseGoingAway, "client done")
				return
			}
			if c.action == "restart" {
				break
			}
			// Ignore chatter and keep waiting for a decision.
		}
		log.Info().Str("identity", identityNumber).Msg("client requested a fresh scan session")
	}
}

func (o *Orchestrator) lookup(identityNumber string) (*store.Applicant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return o.store.GetApplicant(ctx, identityNumber)
}

// runOnce executes one scan session, racing the workflow against the inbox.
// First completed wins: a disconnect cancels the workflow and waits for its
// cleanup; a finished workflow determines the terminal event and status code.
func (o *Orchestrator) runOnce(conn Conn, inbox <-chan control, applicant *store.Applicant) outcome {
	if !o.lock.TryAcquire() {
		em := NewEmitter(conn, "")
		em.Emit(event.Event{Type: event.TypeError, Message: "Fingerprint device is busy with another session. Try again shortly."})
		_ = conn.CloseWithCode(CloseDeviceBusy, "device busy")
		return outcomeClosed
	}
	defer o.lock.Release()

	sess := session.New(applicant.IdentityNumber, applicant.FullName, o.newReader(), o.dispatch, o.clock, o.sessionCfg)
	em := NewEmitter(conn, sess.Token)
	em.Emit(event.Event{Type: event.TypeDeviceInit, Message: "Initializing fingerprint scanner..."})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resCh := make(chan scanOutcome, 1)
	go func() {
		res, err := sess.Run(ctx, em.Sink())
		resCh <- scanOutcome{res: res, err: err}
	}()

	for {
		select {
		case out := <-resCh:
			return o.finish(conn, em, sess, applicant, out)
		case c, ok := <-inbox:
			if !ok || c.action == "cancel" {
				log.Warn().Str("token", sess.Token).Msg("client disconnected or cancelled, stopping scan")
				em.Silence()
				cancel()
				// The workflow observes cancellation at its next checkpoint
				// and runs its cleanup before returning.
				<-resCh
				_ = conn.CloseWithCode(CloseGoingAway, "client cancelled")
				return outcomeClosed
			}
			// Anything other than cancel is ignored mid-scan.
		}
	}
}

// finish maps the workflow result onto the terminal event and close code.
func (o *Orchestrator) finish(conn Conn, em *Emitter, sess *session.Session, applicant *store.Applicant, out scanOutcome) outcome {
	switch {
	case out.err == nil:
		return o.persist(conn, em, applicant, out.res)

	case errors.Is(out.err, capture.ErrAttemptsExhausted), errors.Is(out.err, device.ErrInadequateMinutiae):
		// Recoverable at the session boundary: the channel stays open so the
		// client can request a fresh session.
		em.Emit(event.Event{Type: event.TypeCaptureFailed, Message: "No valid fingerprint captured. Please retry or restart the scan."})
		return outcomeRetryAllowed

	case errors.Is(out.err, session.ErrExpired):
		log.Warn().Str("token", sess.Token).Msg("scan session expired")
		em.Emit(event.Event{Type: event.TypeError, Message: "Scan session expired. Please start a new scan."})
		_ = conn.CloseWithCode(CloseSessionExpired, "session expired")
		return outcomeClosed

	case errors.Is(out.err, context.Canceled):
		// Cancellation is handled on the watcher path; reaching here means
		// the workflow observed it first. Nothing more may be sent.
		em.Silence()
		_ = conn.CloseWithCode(CloseGoingAway, "cancelled")
		return outcomeClosed

	case errors.Is(out.err, session.ErrDeviceUnavailable):
		log.Error().Err(out.err).Str("token", sess.Token).Msg("device unavailable")
		em.Emit(event.Event{Type: event.TypeError, Message: "Fingerprint device unavailable. Check the reader connection and try again."})
		_ = conn.CloseWithCode(CloseInternalError, "device unavailable")
		return outcomeClosed

	default:
		log.Error().Err(out.err).Str("token", sess.Token).Msg("scan failed unexpectedly")
		em.Emit(event.Event{Type: event.TypeError, Message: "Scan error: " + out.err.Error()})
		_ = conn.CloseWithCode(CloseInternalError, "scan error")
		return outcomeClosed
	}
}

// persist seals the template and hands it to storage. Persistence failures
// after a successful capture are reported distinctly: the client is told the
// biometric was captured but not saved.
func (o *Orchestrator) persist(conn Conn, em *Emitter, applicant *store.Applicant, res *capture.Result) outcome {
	sealed, err := o.sealer.Seal(res.Template)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		err = o.store.StoreTemplate(ctx, applicant.IdentityNumber, sealed, res.Quality)
	}

	switch {
	case err == nil:
		log.Info().Str("identity", applicant.IdentityNumber).Int("template_size", len(res.Template)).Int("quality", res.Quality).Msg("encrypted fingerprint saved")
		em.Emit(event.Event{
			Type:         event.TypeCaptureSuccess,
			Message:      fmt.Sprintf("Fingerprint captured and saved securely. Quality: %d/100", res.Quality),
			Quality:      res.Quality,
			TemplateSize: len(res.Template),
		})
		em.Emit(event.Event{Type: event.TypeDone, Message: "Scan completed successfully."})
		_ = conn.CloseWithCode(CloseNormal, "scan complete")
		return outcomeClosed

	case errors.Is(err, store.ErrConflict):
		log.Warn().Str("identity", applicant.IdentityNumber).Msg("fingerprint already on file")
		em.Emit(event.Event{Type: event.TypeError, Message: "Fingerprint was captured but not saved: a fingerprint is already enrolled for this identity."})
		_ = conn.CloseWithCode(CloseAlreadyEnrolled, "already enrolled")
		return outcomeClosed

	default:
		log.Error().Err(err).Str("identity", applicant.IdentityNumber).Msg("failed to store fingerprint")
		em.Emit(event.Event{Type: event.TypeError, Message: "Fingerprint was captured but could not be saved. Please try again."})
		_ = conn.CloseWithCode(CloseInternalError, "storage failed")
		return outcomeClosed
	}
}
