package signaling

import "github.com/kwitch/streaming/internal/domain"

// Chat fan-out shares the streaming room: the room identifier is the same
// channelId, so being attached to a streaming is being subscribed to its
// chat broadcast. Message persistence and moderation live elsewhere.
const (
	EventChatSend = "chats:send"
	EventChatNew  = "chats:new"
)

type ChatSendPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Message   string           `json:"message"`
}

type ChatNewPayload struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// SendChat relays a chat message to the channel room, sender included.
// Only attached connections may post.
func (h *Handler) SendChat(connID domain.ConnectionID, channelID domain.ChannelID, message string) error {
	l := h.lockChannel(channelID)
	defer h.unlockChannel(channelID, l)

	name, attached := h.Rooms.DisplayName(channelID, connID)
	if !attached {
		return domain.ErrForbidden
	}
	h.Rooms.Broadcast(channelID, encodeEvent(EventChatNew, ChatNewPayload{Username: name, Message: message}))
	return nil
}
