// Package signaling is the event-driven state machine that drives the
// session registry, room membership and media resources from inbound
// connection events.
package signaling

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
	"github.com/kwitch/streaming/internal/rooms"
)

// Wire event names, client to server.
const (
	EventStart        = "streamings:start"
	EventJoin         = "streamings:join"
	EventUpdate       = "streamings:update"
	EventEnd          = "streamings:end"
	EventEnableTrack  = "streamings:enableTrack"
	EventDisableTrack = "streamings:disableTrack"
)

// Wire event names, server to room.
const (
	EventDestroy      = "streamings:destroy"
	EventJoined       = "streamings:joined"
	EventLeft         = "streamings:left"
	EventUpdated      = "streamings:updated"
	EventTrackChanged = "streamings:track-changed"
)

// Envelope wraps every message on the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type StartPayload struct {
	Title  string        `json:"title"`
	Layout domain.Layout `json:"layout"`
}

type JoinPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

type TrackPayload struct {
	ChannelID domain.ChannelID   `json:"channelId,omitempty"`
	Kind      domain.TrackKind   `json:"kind"`
	Source    domain.TrackSource `json:"source"`
}

type JoinedPayload struct {
	Username string `json:"username"`
}

type LeftPayload struct {
	Username string `json:"username"`
}

type TrackChangedPayload struct {
	Username string             `json:"username"`
	Kind     domain.TrackKind   `json:"kind"`
	Source   domain.TrackSource `json:"source"`
	Enabled  bool               `json:"enabled"`
}

// Snapshot is the session view returned in start/join acks.
type Snapshot struct {
	ChannelID domain.ChannelID   `json:"channelId"`
	Title     string             `json:"title"`
	Layout    domain.Layout      `json:"layout"`
	CreatedAt time.Time          `json:"createdAt"`
	Members   []rooms.MemberInfo `json:"members"`
	Count     int                `json:"count"`
}

// Ack is the synchronous reply to a client event. Other room members see
// no event for failed actions.
type Ack struct {
	OK        bool      `json:"ok"`
	Code      string    `json:"code,omitempty"`
	Streaming *Snapshot `json:"streaming,omitempty"`
}

// Wire error codes of the failure taxonomy.
const (
	CodeAlreadyLive       = "AlreadyLive"
	CodeChannelOffline    = "ChannelOffline"
	CodeForbidden         = "Forbidden"
	CodeProducerGone      = "ProducerGone"
	CodeResourceExhausted = "ResourceExhausted"
	CodeMediaNegotiation  = "MediaNegotiationFailed"
	CodeBadRequest        = "BadRequest"
	CodeInternal          = "Internal"
)

// CodeOf maps a taxonomy error to its wire code. ErrNotLive surfaces as
// ChannelOffline, the viewer-facing name for the same condition.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyLive):
		return CodeAlreadyLive
	case errors.Is(err, domain.ErrNotLive):
		return CodeChannelOffline
	case errors.Is(err, domain.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, domain.ErrProducerGone):
		return CodeProducerGone
	case errors.Is(err, domain.ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, domain.ErrMediaNegotiation):
		return CodeMediaNegotiation
	case errors.Is(err, domain.ErrTitleTooLong),
		errors.Is(err, domain.ErrInvalidLayout),
		errors.Is(err, domain.ErrInvalidTrack):
		return CodeBadRequest
	}
	return CodeInternal
}

// encodeEvent marshals a broadcast envelope. Marshal failures on our own
// types indicate a programming error; they are logged and yield nil.
func encodeEvent(eventType string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("module", "signaling").Str("type", eventType).Msg("encode event")
			return nil
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Str("type", eventType).Msg("encode envelope")
		return nil
	}
	return b
}
