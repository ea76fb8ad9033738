package scan

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/high-horse/biocapture/internal/event"
)

// Emitter serializes one session's events onto the client connection in the
// order they were generated. Sends are best-effort: a client that is already
// gone never fails the workflow. After the terminal event only the done
// marker passes; after that, nothing.
type Emitter struct {
	mu       sync.Mutex
	conn     Conn
	token    string
	terminal bool
	silenced bool
}

// NewEmitter returns an emitter for one session over conn.
func NewEmitter(conn Conn, token string) *Emitter {
	return &Emitter{conn: conn, token: token}
}

// Emit sends ev unless the session's stream is already finished.
func (e *Emitter) Emit(ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.silenced || (e.terminal && ev.Type != event.TypeDone) {
		log.Debug().Str("token", e.token).Str("type", string(ev.Type)).Msg("event dropped after stream end")
		return
	}
	if ev.Type.Terminal() {
		e.terminal = true
	}
	if ev.Type == event.TypeDone {
		e.silenced = true
	}

	if err := e.conn.WriteJSON(ev); err != nil {
		log.Warn().Err(err).Str("token", e.token).Str("type", string(ev.Type)).Msg("event send failed")
	}
}

// Sink returns the emitter as an event.Sink.
func (e *Emitter) Sink() event.Sink {
	return e.Emit
}

// Silence drops all further events, including terminal ones. Called when the
// client is gone and the cancellation status already closed the channel.
func (e *Emitter) Silence() {
	e.mu.Lock()
	e.silenced = true
	e.mu.Unlock()
}
