package scan

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/high-horse/biocapture/internal/event"
)

type memConn struct {
	mu       sync.Mutex
	writes   []interface{}
	writeErr error

	inbound chan inboundFrame

	closeCode   int
	closeReason string
	closed      bool
}

type inboundFrame struct {
	data []byte
	err  error
}

func newMemConn() *memConn {
	return &memConn{inbound: make(chan inboundFrame, 8)}
}

func (c *memConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, v)
	return nil
}

func (c *memConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	if f.err != nil {
		return 0, nil, f.err
	}
	return 1, f.data, nil
}

func (c *memConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
	}
	return nil
}

func (c *memConn) eventTypes() []event.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Type, 0, len(c.writes))
	for _, w := range c.writes {
		if ev, ok := w.(event.Event); ok {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (c *memConn) closedWith() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closed
}

func TestEmitterPreservesOrder(t *testing.T) {
	conn := newMemConn()
	em := NewEmitter(conn, "tok")

	em.Emit(event.Event{Type: event.TypeDeviceInit})
	em.Emit(event.Event{Type: event.TypeDeviceReady})
	em.Emit(event.Event{Type: event.TypeCaptureAttempt, Attempt: 1})

	assert.Equal(t, []event.Type{event.TypeDeviceInit, event.TypeDeviceReady, event.TypeCaptureAttempt}, conn.eventTypes())
}

func TestEmitterBlocksEventsAfterTerminal(t *testing.T) {
	conn := newMemConn()
	em := NewEmitter(conn, "tok")

	em.Emit(event.Event{Type: event.TypeCaptureSuccess})
	em.Emit(event.Event{Type: event.TypeQualityCheck}) // late, must be dropped
	em.Emit(event.Event{Type: event.TypeDone})         // marker is allowed
	em.Emit(event.Event{Type: event.TypeError})        // nothing after done

	assert.Equal(t, []event.Type{event.TypeCaptureSuccess, event.TypeDone}, conn.eventTypes())
}

func TestEmitterAllowsExactlyOneTerminal(t *testing.T) {
	conn := newMemConn()
	em := NewEmitter(conn, "tok")

	em.Emit(event.Event{Type: event.TypeCaptureFailed})
	em.Emit(event.Event{Type: event.TypeError})

	assert.Equal(t, []event.Type{event.TypeCaptureFailed}, conn.eventTypes())
}

func TestEmitterSilenceDropsEverything(t *testing.T) {
	conn := newMemConn()
	em := NewEmitter(conn, "tok")

	em.Silence()
	em.Emit(event.Event{Type: event.TypeCaptureSuccess})
	em.Emit(event.Event{Type: event.TypeError})

	assert.Empty(t, conn.eventTypes())
}

func TestEmitterSwallowsSendFailures(t *testing.T) {
	conn := newMemConn()
	conn.writeErr = errors.New("client gone")
	em := NewEmitter(conn, "tok")

	assert.NotPanics(t, func() {
		em.Emit(event.Event{Type: event.TypeDeviceReady})
	})
}
