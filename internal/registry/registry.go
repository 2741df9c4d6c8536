// Package registry is the single source of truth for "is this channel live".
package registry

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
)

// Registry maps a channel to at most one active streaming session. All
// mutations on the same channel are linearized; channels are independent.
type Registry struct {
	mu   sync.RWMutex
	live map[domain.ChannelID]*domain.Streaming
}

func New() *Registry {
	return &Registry{live: make(map[domain.ChannelID]*domain.Streaming)}
}

// Create registers a new live session for the channel. A second start on a
// live channel fails with ErrAlreadyLive rather than clobbering it.
func (r *Registry) Create(channelID domain.ChannelID, owner domain.ConnectionID, title string, layout domain.Layout) (*domain.Streaming, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[channelID]; ok {
		return nil, domain.ErrAlreadyLive
	}
	s, err := domain.NewStreaming(channelID, owner, title, layout)
	if err != nil {
		return nil, err
	}
	r.live[channelID] = s
	log.Info().Str("module", "registry").Str("channel", string(channelID)).Str("title", title).Msg("session created")
	return s, nil
}

func (r *Registry) Get(channelID domain.ChannelID) (*domain.Streaming, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.live[channelID]
	if !ok {
		return nil, domain.ErrNotLive
	}
	return s, nil
}

// Update mutates title/layout in place. Role checks belong to the caller;
// the registry only guarantees the session exists.
func (r *Registry) Update(channelID domain.ChannelID, patch domain.StreamingPatch) (*domain.Streaming, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[channelID]
	if !ok {
		return nil, domain.ErrNotLive
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	s.Apply(patch)
	log.Info().Str("module", "registry").Str("channel", string(channelID)).Msg("session updated")
	return s, nil
}

// Destroy removes the session. Safe to call twice: the second call fails
// with ErrNotLive and has no further side effects, which keeps racing
// disconnect cleanup paths harmless.
func (r *Registry) Destroy(channelID domain.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[channelID]; !ok {
		return domain.ErrNotLive
	}
	delete(r.live, channelID)
	log.Info().Str("module", "registry").Str("channel", string(channelID)).Msg("session destroyed")
	return nil
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*domain.Streaming {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Streaming, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s)
	}
	return out
}
