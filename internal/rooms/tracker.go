// Package rooms tracks which connections are attached to which channel room
// and fans broadcasts out to them.
package rooms

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
)

// Sender is the outbound half of a member's signaling transport.
// Owned by the adapter; the adapter must Close() it.
type Sender interface {
	TrySend(data []byte) error
}

type member struct {
	role        domain.Role
	displayName string
	sender      Sender
}

// MemberInfo is a read-only view for snapshots (no transport fields).
type MemberInfo struct {
	ConnectionID domain.ConnectionID `json:"-"`
	Role         domain.Role         `json:"role"`
	DisplayName  string              `json:"displayName"`
}

// Tracker is a threadsafe membership store keyed by (channel, connection).
// It never closes adapter-owned resources.
type Tracker struct {
	mu     sync.RWMutex
	rooms  map[domain.ChannelID]map[domain.ConnectionID]*member
	byConn map[domain.ConnectionID]map[domain.ChannelID]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		rooms:  make(map[domain.ChannelID]map[domain.ConnectionID]*member),
		byConn: make(map[domain.ConnectionID]map[domain.ChannelID]struct{}),
	}
}

// Join attaches a connection to a channel room. Joining the same pair twice
// is a refresh of role/name/sender, not a duplicate entry.
func (t *Tracker) Join(channelID domain.ChannelID, connID domain.ConnectionID, role domain.Role, displayName string, sender Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[channelID]
	if !ok {
		room = make(map[domain.ConnectionID]*member)
		t.rooms[channelID] = room
	}
	room[connID] = &member{role: role, displayName: displayName, sender: sender}
	chans, ok := t.byConn[connID]
	if !ok {
		chans = make(map[domain.ChannelID]struct{})
		t.byConn[connID] = chans
	}
	chans[channelID] = struct{}{}
	log.Info().Str("module", "rooms").Str("channel", string(channelID)).
		Str("conn", string(connID)).Str("role", string(role)).Msg("member joined")
}

// Leave detaches a connection and returns the remaining member count.
// Leaving an unknown pair is a no-op, so racing cleanup paths stay safe.
func (t *Tracker) Leave(channelID domain.ChannelID, connID domain.ConnectionID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[channelID]
	if !ok {
		return 0
	}
	if _, ok := room[connID]; ok {
		delete(room, connID)
		if chans, ok := t.byConn[connID]; ok {
			delete(chans, channelID)
			if len(chans) == 0 {
				delete(t.byConn, connID)
			}
		}
		log.Info().Str("module", "rooms").Str("channel", string(channelID)).
			Str("conn", string(connID)).Msg("member left")
	}
	remaining := len(room)
	if remaining == 0 {
		delete(t.rooms, channelID)
	}
	return remaining
}

func (t *Tracker) Members(channelID domain.ChannelID) []domain.ConnectionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[channelID]
	out := make([]domain.ConnectionID, 0, len(room))
	for connID := range room {
		out = append(out, connID)
	}
	return out
}

func (t *Tracker) MembersSnapshot(channelID domain.ChannelID) []MemberInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[channelID]
	out := make([]MemberInfo, 0, len(room))
	for connID, m := range room {
		out = append(out, MemberInfo{ConnectionID: connID, Role: m.role, DisplayName: m.displayName})
	}
	return out
}

func (t *Tracker) Count(channelID domain.ChannelID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[channelID])
}

func (t *Tracker) IsOwner(channelID domain.ChannelID, connID domain.ConnectionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.rooms[channelID][connID]
	return ok && m.role == domain.RoleOwner
}

func (t *Tracker) DisplayName(channelID domain.ChannelID, connID domain.ConnectionID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.rooms[channelID][connID]
	if !ok {
		return "", false
	}
	return m.displayName, true
}

// RoomsOf lists every channel the connection is attached to. Disconnect
// cleanup iterates this and decides owner-vs-viewer per room independently.
func (t *Tracker) RoomsOf(connID domain.ConnectionID) []domain.ChannelID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	chans := t.byConn[connID]
	out := make([]domain.ChannelID, 0, len(chans))
	for channelID := range chans {
		out = append(out, channelID)
	}
	return out
}

// DropRoom clears every membership of a channel at once, used when the
// session is destroyed.
func (t *Tracker) DropRoom(channelID domain.ChannelID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for connID := range t.rooms[channelID] {
		if chans, ok := t.byConn[connID]; ok {
			delete(chans, channelID)
			if len(chans) == 0 {
				delete(t.byConn, connID)
			}
		}
	}
	delete(t.rooms, channelID)
	log.Info().Str("module", "rooms").Str("channel", string(channelID)).Msg("room dropped")
}
