package scan

import (
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Connection groups served by the hub.
const (
	GroupEnrollment = "enrollment"
	GroupAdmin      = "admin"
	GroupStatus     = "status"
)

// Hub is a concurrency-safe registry of live connections keyed by group, with
// best-effort broadcast. Scan sessions register under enrollment; dashboards
// subscribe under admin or status.
type Hub struct {
	mu     sync.Mutex
	groups map[string]*hashset.Set
}

// NewHub returns a hub with the standard groups pre-created.
func NewHub() *Hub {
	h := &Hub{groups: make(map[string]*hashset.Set)}
	for _, g := range []string{GroupEnrollment, GroupAdmin, GroupStatus} {
		h.groups[g] = hashset.New()
	}
	return h
}

// Add registers conn under group.
func (h *Hub) Add(group string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.groups[group]
	if !ok {
		set = hashset.New()
		h.groups[group] = set
	}
	set.Add(conn)
	log.Debug().Str("group", group).Int("total", set.Size()).Msg("connection registered")
}

// Remove unregisters conn from group.
func (h *Hub) Remove(group string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.groups[group]; ok {
		set.Remove(conn)
		log.Debug().Str("group", group).Int("total", set.Size()).Msg("connection removed")
	}
}

// Broadcast sends payload to every connection in group, dropping connections
// whose send fails.
func (h *Hub) Broadcast(group string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.groups[group]
	if !ok {
		return
	}
	for _, v := range set.Values() {
		conn := v.(Conn)
		if err := conn.WriteJSON(payload); err != nil {
			log.Warn().Err(err).Str("group", group).Msg("broadcast send failed, dropping connection")
			set.Remove(conn)
		}
	}
}

// Counts returns the number of live connections per group.
func (h *Hub) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.groups))
	for _, g := range sortedGroups(h.groups) {
		out[g] = h.groups[g].Size()
	}
	return out
}

func sortedGroups(groups map[string]*hashset.Set) []string {
	keys := maps.Keys(groups)
	slices.Sort(keys)
	return keys
}
