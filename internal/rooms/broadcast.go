package rooms

import (
	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
)

// BroadcastResult reports delivery stats/backpressure to the caller.
type BroadcastResult struct {
	SentTo  int
	Dropped []domain.ConnectionID
}

// Broadcast sends data to every member of the room except those listed in
// skip. Slow consumers whose send buffer is full are reported as dropped;
// the caller's policy decides what to do with them.
func (t *Tracker) Broadcast(channelID domain.ChannelID, data []byte, skip ...domain.ConnectionID) BroadcastResult {
	t.mu.RLock()
	targets := make(map[domain.ConnectionID]Sender, len(t.rooms[channelID]))
	for connID, m := range t.rooms[channelID] {
		targets[connID] = m.sender
	}
	t.mu.RUnlock()

	res := BroadcastResult{}
	for connID, sender := range targets {
		if contains(skip, connID) {
			continue
		}
		if sender == nil {
			continue
		}
		if err := sender.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, connID)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "rooms").Str("channel", string(channelID)).
		Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Unicast sends data to a single member, if still attached.
func (t *Tracker) Unicast(channelID domain.ChannelID, connID domain.ConnectionID, data []byte) error {
	t.mu.RLock()
	m, ok := t.rooms[channelID][connID]
	t.mu.RUnlock()
	if !ok || m.sender == nil {
		return nil
	}
	return m.sender.TrySend(data)
}

func contains(list []domain.ConnectionID, id domain.ConnectionID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
