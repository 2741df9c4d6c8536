package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/channels"
	"github.com/kwitch/streaming/internal/domain"
	"github.com/kwitch/streaming/internal/media"
	"github.com/kwitch/streaming/internal/registry"
	"github.com/kwitch/streaming/internal/rooms"
)

// Handler serializes all state transitions per channel: no two transitions
// for the same channel execute concurrently, while independent channels
// proceed in parallel. It is the only component that mutates the registry
// and the membership tracker.
type Handler struct {
	Registry *registry.Registry
	Rooms    *rooms.Tracker
	Media    *media.Manager
	Channels channels.Directory

	mu      sync.Mutex
	chLocks map[domain.ChannelID]*channelLock
}

// channelLock entries are refcounted: the last holder removes the entry, so
// the table does not keep a mutex for every channel ID ever probed.
type channelLock struct {
	mu   sync.Mutex
	refs int
}

func NewHandler(reg *registry.Registry, tracker *rooms.Tracker, mgr *media.Manager, dir channels.Directory) *Handler {
	return &Handler{
		Registry: reg,
		Rooms:    tracker,
		Media:    mgr,
		Channels: dir,
		chLocks:  make(map[domain.ChannelID]*channelLock),
	}
}

func (h *Handler) lockChannel(id domain.ChannelID) *channelLock {
	h.mu.Lock()
	l, ok := h.chLocks[id]
	if !ok {
		l = &channelLock{}
		h.chLocks[id] = l
	}
	l.refs++
	h.mu.Unlock()
	l.mu.Lock()
	return l
}

func (h *Handler) unlockChannel(id domain.ChannelID, l *channelLock) {
	l.mu.Unlock()
	h.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(h.chLocks, id)
	}
	h.mu.Unlock()
}

// Start begins a broadcast on the caller's own channel. The owner
// membership is created atomically with the session, under the channel
// lock.
func (h *Handler) Start(ctx context.Context, connID domain.ConnectionID, user *domain.User, sender rooms.Sender, title string, layout domain.Layout) (*Snapshot, error) {
	ch := h.Channels.EnsureChannel(user)
	l := h.lockChannel(ch.ID)
	defer h.unlockChannel(ch.ID, l)

	s, err := h.Registry.Create(ch.ID, connID, title, layout)
	if err != nil {
		return nil, err
	}
	h.Rooms.Join(ch.ID, connID, domain.RoleOwner, user.Username, sender)
	log.Info().Str("module", "signaling").Str("channel", string(ch.ID)).
		Str("conn", string(connID)).Str("title", title).Msg("streaming started")
	return h.snapshot(s), nil
}

// Join attaches a connection to a live channel. Against an absent session
// it fails ChannelOffline and creates no membership; no broadcast on
// failure. A repeat join by an already attached connection refreshes the
// membership and allocates nothing new.
func (h *Handler) Join(ctx context.Context, connID domain.ConnectionID, user *domain.User, sender rooms.Sender, channelID domain.ChannelID) (*Snapshot, error) {
	l := h.lockChannel(channelID)
	defer h.unlockChannel(channelID, l)

	s, err := h.Registry.Get(channelID)
	if err != nil {
		return nil, err
	}

	// The channel's own owner joining their broadcast keeps the owner
	// role; everyone else attaches as viewer.
	role := domain.RoleViewer
	if own, ok := h.Channels.ChannelOf(user.ID); ok && own.ID == channelID {
		role = domain.RoleOwner
	}

	if _, attached := h.Rooms.DisplayName(channelID, connID); attached {
		h.Rooms.Join(channelID, connID, role, user.Username, sender)
		return h.snapshot(s), nil
	}

	if _, ok := h.Media.TransportFor(channelID, connID, media.DirectionRecv); !ok {
		if _, err := h.Media.CreateTransport(ctx, channelID, connID, media.DirectionRecv); err != nil {
			return nil, err
		}
	}
	// Subscribe the newcomer to every track already published into the
	// channel. A producer racing away between listing and subscribing is
	// not fatal; the viewer converges on the next track-changed.
	for _, p := range h.Media.ProducersForChannel(channelID) {
		if _, err := h.Media.Subscribe(ctx, connID, p.ID); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("channel", string(channelID)).
				Str("producer", p.ID).Msg("join-time subscribe failed")
		}
	}

	h.Rooms.Join(channelID, connID, role, user.Username, sender)
	h.Rooms.Broadcast(channelID, encodeEvent(EventJoined, JoinedPayload{Username: user.Username}), connID)
	log.Info().Str("module", "signaling").Str("channel", string(channelID)).
		Str("conn", string(connID)).Str("username", user.Username).Str("role", string(role)).Msg("member joined")
	return h.snapshot(s), nil
}

// Update mutates title/layout of the caller's live session. Only the
// membership with role owner may apply it.
func (h *Handler) Update(ctx context.Context, connID domain.ConnectionID, user *domain.User, patch domain.StreamingPatch) (*Snapshot, error) {
	ch, ok := h.Channels.ChannelOf(user.ID)
	if !ok {
		return nil, domain.ErrForbidden
	}
	l := h.lockChannel(ch.ID)
	defer h.unlockChannel(ch.ID, l)

	if !h.Rooms.IsOwner(ch.ID, connID) {
		return nil, domain.ErrForbidden
	}
	s, err := h.Registry.Update(ch.ID, patch)
	if err != nil {
		return nil, err
	}
	h.Rooms.Broadcast(ch.ID, encodeEvent(EventUpdated, patch))
	return h.snapshot(s), nil
}

// End tears the caller's session down: all producers and transports for the
// channel are closed, the session is destroyed, and every membership is
// cleared after the destroy broadcast.
func (h *Handler) End(ctx context.Context, connID domain.ConnectionID, user *domain.User) error {
	ch, ok := h.Channels.ChannelOf(user.ID)
	if !ok {
		return domain.ErrForbidden
	}
	l := h.lockChannel(ch.ID)
	defer h.unlockChannel(ch.ID, l)

	if _, err := h.Registry.Get(ch.ID); err != nil {
		return err
	}
	if !h.Rooms.IsOwner(ch.ID, connID) {
		return domain.ErrForbidden
	}
	h.destroyLocked(ch.ID)
	return nil
}

// destroyLocked runs the session teardown sequence under an already-held
// channel lock: sweep every member's media resources on this channel,
// remove the registry entry, broadcast the destroy event, then drop the
// room. The sweep is channel-scoped so a member who is live on another
// channel keeps their producers there.
func (h *Handler) destroyLocked(channelID domain.ChannelID) {
	for _, connID := range h.Rooms.Members(channelID) {
		h.Media.CloseAllForConnectionOnChannel(channelID, connID)
	}
	if err := h.Registry.Destroy(channelID); err != nil {
		// A racing cleanup already removed it; nothing left to do.
		log.Warn().Err(err).Str("module", "signaling").Str("channel", string(channelID)).Msg("destroy race")
		return
	}
	h.Rooms.Broadcast(channelID, encodeEvent(EventDestroy, nil))
	h.Rooms.DropRoom(channelID)
	log.Info().Str("module", "signaling").Str("channel", string(channelID)).Msg("streaming destroyed")
}

// EnableTrack publishes a track for an attached connection and fans it out
// to the other attached members.
func (h *Handler) EnableTrack(ctx context.Context, connID domain.ConnectionID, channelID domain.ChannelID, kind domain.TrackKind, source domain.TrackSource) (*media.Producer, error) {
	if err := domain.ValidateTrack(kind, source); err != nil {
		return nil, err
	}
	l := h.lockChannel(channelID)
	defer h.unlockChannel(channelID, l)

	if _, err := h.Registry.Get(channelID); err != nil {
		return nil, err
	}
	name, attached := h.Rooms.DisplayName(channelID, connID)
	if !attached {
		return nil, domain.ErrForbidden
	}

	t, ok := h.Media.TransportFor(channelID, connID, media.DirectionSend)
	if !ok {
		var err error
		t, err = h.Media.CreateTransport(ctx, channelID, connID, media.DirectionSend)
		if err != nil {
			return nil, err
		}
	}
	p, err := h.Media.Publish(ctx, t.ID, kind, source)
	if err != nil {
		return nil, err
	}

	// Attach existing viewers to the new producer. Members without a recv
	// transport (the publisher's other roles) are skipped.
	for _, m := range h.Rooms.Members(channelID) {
		if m == connID {
			continue
		}
		if _, err := h.Media.Subscribe(ctx, m, p.ID); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("channel", string(channelID)).
				Str("viewer", string(m)).Str("producer", p.ID).Msg("subscribe existing viewer failed")
		}
	}

	h.Rooms.Broadcast(channelID, encodeEvent(EventTrackChanged, TrackChangedPayload{
		Username: name,
		Kind:     kind,
		Source:   source,
		Enabled:  true,
	}), connID)
	return p, nil
}

// DisableTrack closes the caller's producer for a (kind, source) pair,
// transitively closing its consumers. Only attached connections may
// disable; disabling a track that was never enabled is a no-op.
func (h *Handler) DisableTrack(ctx context.Context, connID domain.ConnectionID, channelID domain.ChannelID, kind domain.TrackKind, source domain.TrackSource) error {
	if err := domain.ValidateTrack(kind, source); err != nil {
		return err
	}
	l := h.lockChannel(channelID)
	defer h.unlockChannel(channelID, l)

	name, attached := h.Rooms.DisplayName(channelID, connID)
	if !attached {
		return domain.ErrForbidden
	}

	p, ok := h.Media.ProducerBy(connID, kind, source)
	if !ok || p.ChannelID != channelID {
		return nil
	}
	h.Media.CloseProducer(p.ID)

	h.Rooms.Broadcast(channelID, encodeEvent(EventTrackChanged, TrackChangedPayload{
		Username: name,
		Kind:     kind,
		Source:   source,
		Enabled:  false,
	}), connID)
	return nil
}

func (h *Handler) snapshot(s *domain.Streaming) *Snapshot {
	members := h.Rooms.MembersSnapshot(s.ChannelID)
	return &Snapshot{
		ChannelID: s.ChannelID,
		Title:     s.Title,
		Layout:    s.Layout,
		CreatedAt: s.CreatedAt,
		Members:   members,
		Count:     len(members),
	}
}
