// Package scan orchestrates fingerprint scan sessions over websocket
// connections: identity validation, the scan-versus-disconnect race, ordered
// event emission, and the persistence handoff.
package scan

import (
	"time"

	fasthttpws "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
)

// Close status codes sent with the final close frame.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseInternalError    = 1011
	CloseSessionExpired   = 4001
	CloseIdentityNotFound = 4004
	CloseAlreadyEnrolled  = 4005
	CloseSessionCap       = 4008
	CloseDeviceBusy       = 4009
)

// Conn is the slice of a websocket connection the orchestrator needs. The
// indirection keeps the race logic testable without a socket.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	CloseWithCode(code int, reason string) error
}

// WSConn adapts a fiber websocket connection to Conn.
type WSConn struct {
	*websocket.Conn
}

// CloseWithCode sends a close frame carrying code and closes the socket.
func (c WSConn) CloseWithCode(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	_ = c.WriteControl(fasthttpws.CloseMessage, fasthttpws.FormatCloseMessage(code, reason), deadline)
	return c.Close()
}
