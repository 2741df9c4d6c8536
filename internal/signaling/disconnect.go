package signaling

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
)

// Disconnect runs the cleanup transitions for a dropped connection. It
// iterates every room the connection belongs to and decides owner-vs-viewer
// cleanup per room independently: owner loss destroys the session for
// everyone, viewer loss only shrinks membership. The sweep is best-effort;
// a failure in one room is logged and the remaining rooms are still
// attempted. A second disconnect signal for the same connection finds no
// memberships and is a no-op.
func (h *Handler) Disconnect(ctx context.Context, connID domain.ConnectionID) {
	channelIDs := h.Rooms.RoomsOf(connID)
	if len(channelIDs) == 0 {
		return
	}
	log.Info().Str("module", "signaling").Str("conn", string(connID)).
		Int("rooms", len(channelIDs)).Msg("disconnect cleanup")

	for _, channelID := range channelIDs {
		h.cleanupRoom(channelID, connID)
	}

	// Cancellation primitive keyed by connection identity: closes anything
	// the per-room passes did not reach, including half-created transports
	// from an interrupted join.
	h.Media.CloseAllForConnection(connID)
}

func (h *Handler) cleanupRoom(channelID domain.ChannelID, connID domain.ConnectionID) {
	l := h.lockChannel(channelID)
	defer h.unlockChannel(channelID, l)

	if h.Rooms.IsOwner(channelID, connID) {
		log.Info().Str("module", "signaling").Str("channel", string(channelID)).
			Str("conn", string(connID)).Msg("owner disconnected, ending streaming")
		h.destroyLocked(channelID)
		return
	}

	name, attached := h.Rooms.DisplayName(channelID, connID)
	if !attached {
		// Already removed by another cleanup path.
		return
	}
	h.Media.CloseAllForConnectionOnChannel(channelID, connID)
	remaining := h.Rooms.Leave(channelID, connID)
	h.Rooms.Broadcast(channelID, encodeEvent(EventLeft, LeftPayload{Username: name}))
	log.Info().Str("module", "signaling").Str("channel", string(channelID)).
		Str("conn", string(connID)).Int("remaining", remaining).Msg("viewer disconnected")
}
