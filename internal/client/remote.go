package client

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
	"github.com/kwitch/streaming/internal/signaling"
)

// RemoteTrack identifies one active track of another member.
type RemoteTrack struct {
	Username string
	Kind     domain.TrackKind
	Source   domain.TrackSource
}

// HandleEvent reacts to an inbound room broadcast, keeping the roster and
// the remote track set consistent with server state.
func (n *Negotiator) HandleEvent(env signaling.Envelope) {
	switch env.Type {
	case signaling.EventJoined:
		var p signaling.JoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad joined payload")
			return
		}
		n.mu.Lock()
		n.roster[p.Username] = struct{}{}
		n.mu.Unlock()
	case signaling.EventLeft:
		var p signaling.LeftPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad left payload")
			return
		}
		n.mu.Lock()
		delete(n.roster, p.Username)
		for _, byUser := range n.remote {
			delete(byUser, p.Username)
		}
		n.mu.Unlock()
	case signaling.EventTrackChanged:
		var p signaling.TrackChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad track-changed payload")
			return
		}
		key := trackKey{kind: p.Kind, source: p.Source}
		n.mu.Lock()
		byUser, ok := n.remote[key]
		if !ok {
			byUser = make(map[string]bool)
			n.remote[key] = byUser
		}
		if p.Enabled {
			byUser[p.Username] = true
		} else {
			delete(byUser, p.Username)
		}
		n.mu.Unlock()
	case signaling.EventUpdated:
		var p domain.StreamingPatch
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad updated payload")
			return
		}
		if p.Layout != nil {
			n.mu.Lock()
			n.layout = *p.Layout
			n.mu.Unlock()
		}
	case signaling.EventDestroy:
		// Session is gone: drop all remote state and release local capture.
		n.mu.Lock()
		n.roster = make(map[string]struct{})
		n.remote = make(map[trackKey]map[string]bool)
		n.mu.Unlock()
		n.Close()
	}
}

// SetLayout records the layout from a start/join snapshot.
func (n *Negotiator) SetLayout(layout domain.Layout) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.layout = layout
}

// ActiveTracks returns the remote tracks a viewer should render for the
// session's current layout. Audio is always delivered; video is filtered
// by source: camera layout takes camera video, display takes display
// video, both takes both.
func (n *Negotiator) ActiveTracks() []RemoteTrack {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]RemoteTrack, 0)
	for key, byUser := range n.remote {
		if key.kind == domain.TrackVideo && !layoutWants(n.layout, key.source) {
			continue
		}
		for username := range byUser {
			out = append(out, RemoteTrack{Username: username, Kind: key.kind, Source: key.source})
		}
	}
	return out
}

func layoutWants(layout domain.Layout, source domain.TrackSource) bool {
	switch layout {
	case domain.LayoutCamera:
		return source == domain.SourceCamera
	case domain.LayoutDisplay:
		return source == domain.SourceDisplay
	case domain.LayoutBoth:
		return true
	}
	return false
}
