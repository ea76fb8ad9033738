package scan

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/high-horse/biocapture/internal/device"
)

// StatusUpdate is the periodic device/connection snapshot pushed to admin and
// status subscribers.
type StatusUpdate struct {
	Type string       `json:"type"`
	Data StatusFields `json:"data"`
	Time time.Time    `json:"timestamp"`
}

// StatusFields carries the snapshot payload.
type StatusFields struct {
	DeviceBusy  bool           `json:"device_busy"`
	Connections map[string]int `json:"active_connections"`
}

// StatusBroadcaster pushes StatusUpdate frames to the admin and status groups
// at a fixed period. It never touches the reader itself, so an active scan
// session is never disturbed.
type StatusBroadcaster struct {
	hub    *Hub
	lock   *device.Lock
	clock  clockwork.Clock
	period time.Duration
}

// NewStatusBroadcaster builds a broadcaster over hub.
func NewStatusBroadcaster(hub *Hub, lock *device.Lock, clock clockwork.Clock, period time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{hub: hub, lock: lock, clock: clock, period: period}
}

// Run blocks, broadcasting until ctx is done.
func (b *StatusBroadcaster) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("status broadcaster stopped")
			return
		case <-ticker.Chan():
			update := StatusUpdate{
				Type: "status_update",
				Data: StatusFields{
					DeviceBusy:  b.lock.Held(),
					Connections: b.hub.Counts(),
				},
				Time: b.clock.Now().UTC(),
			}
			b.hub.Broadcast(GroupAdmin, update)
			b.hub.Broadcast(GroupStatus, update)
		}
	}
}

// HandleSubscriber parks a dashboard connection in group until it closes.
func (b *StatusBroadcaster) HandleSubscriber(conn Conn, group string) {
	b.hub.Add(group, conn)
	defer b.hub.Remove(group, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
