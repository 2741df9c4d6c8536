package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwitch/streaming/internal/channels"
	"github.com/kwitch/streaming/internal/domain"
	"github.com/kwitch/streaming/internal/media"
	"github.com/kwitch/streaming/internal/registry"
	"github.com/kwitch/streaming/internal/rooms"
)

type fakeSender struct {
	mu     sync.Mutex
	events []Envelope
}

func (s *fakeSender) TrySend(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) ofType(eventType string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0)
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type stubForwarder struct {
	mu   sync.Mutex
	next int
}

func (f *stubForwarder) id(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("%s-%d", prefix, f.next)
}

func (f *stubForwarder) CreateTransport(context.Context, domain.ConnectionID, media.Direction) (string, error) {
	return f.id("t"), nil
}

func (f *stubForwarder) CreateProducer(context.Context, string, domain.TrackKind, domain.TrackSource) (string, error) {
	return f.id("p"), nil
}

func (f *stubForwarder) CreateConsumer(context.Context, string, string) (string, error) {
	return f.id("c"), nil
}

func (f *stubForwarder) CloseTransport(string) error { return nil }
func (f *stubForwarder) CloseProducer(string) error  { return nil }
func (f *stubForwarder) CloseConsumer(string) error  { return nil }

type fixture struct {
	handler *Handler
	owner   *domain.User
	ownerC  *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	tracker := rooms.NewTracker()
	mgr := media.NewManager(&stubForwarder{}, 0)
	dir := channels.NewInMemoryDirectory()
	return &fixture{
		handler: NewHandler(reg, tracker, mgr, dir),
		owner:   &domain.User{ID: "u-alice", Username: "alice"},
		ownerC:  &fakeSender{},
	}
}

func (f *fixture) start(t *testing.T, title string, layout domain.Layout) *Snapshot {
	t.Helper()
	snap, err := f.handler.Start(context.Background(), "conn-owner", f.owner, f.ownerC, title, layout)
	require.NoError(t, err)
	return snap
}

func (f *fixture) addViewer(t *testing.T, name string) (*domain.User, *fakeSender, *Snapshot) {
	t.Helper()
	user := &domain.User{ID: domain.UserID("u-" + name), Username: name}
	sender := &fakeSender{}
	ch, _ := f.handler.Channels.ChannelOf(f.owner.ID)
	snap, err := f.handler.Join(context.Background(), domain.ConnectionID("conn-"+name), user, sender, ch.ID)
	require.NoError(t, err)
	return user, sender, snap
}

func TestStartThenJoin(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	assert.Equal(t, "Hello", snap.Title)
	assert.Equal(t, 1, snap.Count)

	_, _, joinSnap := f.addViewer(t, "bob")
	assert.Equal(t, snap.ChannelID, joinSnap.ChannelID)
	assert.Equal(t, "Hello", joinSnap.Title)
	assert.Equal(t, domain.LayoutCamera, joinSnap.Layout)
	assert.Equal(t, 2, joinSnap.Count)

	// Registry agrees with the ack snapshot.
	s, err := f.handler.Registry.Get(snap.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", s.Title)
	assert.Equal(t, domain.LayoutCamera, s.Layout)

	// The owner observed exactly one joined broadcast; the newcomer none.
	joined := f.ownerC.ofType(EventJoined)
	require.Len(t, joined, 1)
	var p JoinedPayload
	require.NoError(t, json.Unmarshal(joined[0].Payload, &p))
	assert.Equal(t, "bob", p.Username)
}

func TestStartAlreadyLive(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Hello", domain.LayoutCamera)

	_, err := f.handler.Start(context.Background(), "conn-owner2", f.owner, &fakeSender{}, "Clobber", domain.LayoutBoth)
	assert.ErrorIs(t, err, domain.ErrAlreadyLive)

	ch, _ := f.handler.Channels.ChannelOf(f.owner.ID)
	s, err := f.handler.Registry.Get(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", s.Title, "existing session unchanged")
}

func TestJoinChannelOffline(t *testing.T) {
	f := newFixture(t)
	user := &domain.User{ID: "u-bob", Username: "bob"}

	_, err := f.handler.Join(context.Background(), "conn-bob", user, &fakeSender{}, "no-such-channel")
	assert.ErrorIs(t, err, domain.ErrNotLive)
	assert.Equal(t, CodeChannelOffline, CodeOf(err))

	// No membership record was created.
	assert.Equal(t, 0, f.handler.Rooms.Count("no-such-channel"))
	assert.Empty(t, f.handler.Rooms.RoomsOf("conn-bob"))
}

func TestUpdateByOwnerBroadcasts(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	_, viewer, _ := f.addViewer(t, "bob")

	layout := domain.LayoutBoth
	updated, err := f.handler.Update(context.Background(), "conn-owner", f.owner, domain.StreamingPatch{Layout: &layout})
	require.NoError(t, err)
	assert.Equal(t, domain.LayoutBoth, updated.Layout)

	// Both members observe the update.
	for _, sender := range []*fakeSender{f.ownerC, viewer} {
		events := sender.ofType(EventUpdated)
		require.Len(t, events, 1)
		var p domain.StreamingPatch
		require.NoError(t, json.Unmarshal(events[0].Payload, &p))
		require.NotNil(t, p.Layout)
		assert.Equal(t, domain.LayoutBoth, *p.Layout)
	}

	s, err := f.handler.Registry.Get(snap.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, domain.LayoutBoth, s.Layout)
}

func TestUpdateByNonOwnerForbidden(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Hello", domain.LayoutCamera)
	bob, viewer, _ := f.addViewer(t, "bob")

	title := "hijack"
	_, err := f.handler.Update(context.Background(), "conn-bob", bob, domain.StreamingPatch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	// No broadcast for failed actions.
	assert.Empty(t, f.ownerC.ofType(EventUpdated))
	assert.Empty(t, viewer.ofType(EventUpdated))
}

func TestEndByNonOwnerForbidden(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	bob, _, _ := f.addViewer(t, "bob")

	err := f.handler.End(context.Background(), "conn-bob", bob)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.handler.Registry.Get(snap.ChannelID)
	assert.NoError(t, err, "session still live")
}

func TestOwnerSelfJoinPreservesOwnership(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	_, viewer, _ := f.addViewer(t, "bob")

	// The owner's own connection joining its channel must not demote the
	// owner membership to viewer.
	joinSnap, err := f.handler.Join(context.Background(), "conn-owner", f.owner, f.ownerC, snap.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, snap.ChannelID, joinSnap.ChannelID)
	assert.True(t, f.handler.Rooms.IsOwner(snap.ChannelID, "conn-owner"))
	assert.Equal(t, 2, f.handler.Rooms.Count(snap.ChannelID))

	// Owner disconnect still takes the destroy path.
	f.handler.Disconnect(context.Background(), "conn-owner")
	_, err = f.handler.Registry.Get(snap.ChannelID)
	assert.ErrorIs(t, err, domain.ErrNotLive)
	assert.Len(t, viewer.ofType(EventDestroy), 1)
}

func TestRepeatJoinIsRefresh(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	ctx := context.Background()
	_, err := f.handler.EnableTrack(ctx, "conn-owner", snap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	require.NoError(t, err)

	bob, sender, _ := f.addViewer(t, "bob")
	transports := f.handler.Media.TransportCount()
	consumers := f.handler.Media.ConsumerCount()

	// Joining again with the same connection allocates nothing new and is
	// not re-announced.
	_, err = f.handler.Join(ctx, "conn-bob", bob, sender, snap.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, transports, f.handler.Media.TransportCount())
	assert.Equal(t, consumers, f.handler.Media.ConsumerCount())
	assert.Equal(t, 2, f.handler.Rooms.Count(snap.ChannelID))
	assert.Len(t, f.ownerC.ofType(EventJoined), 1)
}

func TestEndLeavesOtherChannelsIntact(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	ctx := context.Background()

	// bob is live on his own channel and also watches alice's.
	bob := &domain.User{ID: "u-bob", Username: "bob"}
	bobSender := &fakeSender{}
	bobSnap, err := f.handler.Start(ctx, "conn-bob", bob, bobSender, "Bob live", domain.LayoutCamera)
	require.NoError(t, err)
	_, err = f.handler.EnableTrack(ctx, "conn-bob", bobSnap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	require.NoError(t, err)
	_, err = f.handler.Join(ctx, "conn-bob", bob, bobSender, snap.ChannelID)
	require.NoError(t, err)

	require.NoError(t, f.handler.End(ctx, "conn-owner", f.owner))

	// Only ch1's resources were swept; bob's broadcast survives.
	_, err = f.handler.Registry.Get(bobSnap.ChannelID)
	assert.NoError(t, err)
	p, ok := f.handler.Media.ProducerBy("conn-bob", domain.TrackVideo, domain.SourceCamera)
	require.True(t, ok, "bob's producer on his own channel survives the other teardown")
	assert.Equal(t, bobSnap.ChannelID, p.ChannelID)
	assert.Equal(t, 1, f.handler.Rooms.Count(bobSnap.ChannelID))
}

func TestDisconnectSweepsEveryRoom(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	ctx := context.Background()

	bob := &domain.User{ID: "u-bob", Username: "bob"}
	bobSender := &fakeSender{}
	bobSnap, err := f.handler.Start(ctx, "conn-bob", bob, bobSender, "Bob live", domain.LayoutCamera)
	require.NoError(t, err)
	_, err = f.handler.Join(ctx, "conn-bob", bob, bobSender, snap.ChannelID)
	require.NoError(t, err)

	f.handler.Disconnect(ctx, "conn-bob")

	// Owner-vs-viewer decided per room: bob's own session is destroyed,
	// alice's only shrinks.
	_, err = f.handler.Registry.Get(bobSnap.ChannelID)
	assert.ErrorIs(t, err, domain.ErrNotLive)
	_, err = f.handler.Registry.Get(snap.ChannelID)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.handler.Rooms.Count(snap.ChannelID))

	left := f.ownerC.ofType(EventLeft)
	require.Len(t, left, 1)
	var p LeftPayload
	require.NoError(t, json.Unmarshal(left[0].Payload, &p))
	assert.Equal(t, "bob", p.Username)
	assert.Equal(t, 0, f.handler.Media.TransportCount())
}

func TestOwnerDisconnectDestroysForAll(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	viewers := make([]*fakeSender, 0, 3)
	for _, name := range []string{"bob", "carol", "dave"} {
		_, sender, _ := f.addViewer(t, name)
		viewers = append(viewers, sender)
	}

	f.handler.Disconnect(context.Background(), "conn-owner")

	// Exactly one destroy observed by every viewer.
	for _, sender := range viewers {
		assert.Len(t, sender.ofType(EventDestroy), 1)
	}
	_, err := f.handler.Registry.Get(snap.ChannelID)
	assert.ErrorIs(t, err, domain.ErrNotLive)
	assert.Equal(t, 0, f.handler.Rooms.Count(snap.ChannelID))
	assert.Equal(t, 0, f.handler.Media.TransportCount())

	// Second disconnect signal for the same connection is a no-op.
	f.handler.Disconnect(context.Background(), "conn-owner")
	for _, sender := range viewers {
		assert.Len(t, sender.ofType(EventDestroy), 1)
	}
}

func TestViewerDisconnectShrinksMembership(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	_, bobSender, _ := f.addViewer(t, "bob")
	_, carolSender, _ := f.addViewer(t, "carol")
	require.Equal(t, 3, f.handler.Rooms.Count(snap.ChannelID))

	f.handler.Disconnect(context.Background(), "conn-bob")

	assert.Equal(t, 2, f.handler.Rooms.Count(snap.ChannelID))
	_, err := f.handler.Registry.Get(snap.ChannelID)
	assert.NoError(t, err, "session stays live")

	// Owner and the other viewer each observe exactly one left event with
	// bob's display name.
	for _, sender := range []*fakeSender{f.ownerC, carolSender} {
		events := sender.ofType(EventLeft)
		require.Len(t, events, 1)
		var p LeftPayload
		require.NoError(t, json.Unmarshal(events[0].Payload, &p))
		assert.Equal(t, "bob", p.Username)
	}
	assert.Empty(t, bobSender.ofType(EventLeft))
}

func TestEnableDisableTrackRoundTrip(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	_, viewer, _ := f.addViewer(t, "bob")
	ctx := context.Background()

	p, err := f.handler.EnableTrack(ctx, "conn-owner", snap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("conn-owner"), p.OwnerConnectionID)
	assert.Equal(t, 1, f.handler.Media.ProducerCount())
	assert.Equal(t, 1, f.handler.Media.ConsumerCount(), "existing viewer subscribed")

	events := viewer.ofType(EventTrackChanged)
	require.Len(t, events, 1)
	var tc TrackChangedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &tc))
	assert.True(t, tc.Enabled)
	assert.Equal(t, domain.SourceCamera, tc.Source)

	require.NoError(t, f.handler.DisableTrack(ctx, "conn-owner", snap.ChannelID, domain.TrackVideo, domain.SourceCamera))

	// Zero live producers for the connection and zero consumers
	// referencing them.
	assert.Equal(t, 0, f.handler.Media.ProducerCount())
	assert.Equal(t, 0, f.handler.Media.ConsumerCount())

	events = viewer.ofType(EventTrackChanged)
	require.Len(t, events, 2)
	require.NoError(t, json.Unmarshal(events[1].Payload, &tc))
	assert.False(t, tc.Enabled)
}

func TestDisableUnknownTrackIsNoOp(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)

	err := f.handler.DisableTrack(context.Background(), "conn-owner", snap.ChannelID, domain.TrackAudio, domain.SourceMic)
	assert.NoError(t, err)
}

func TestEnableTrackUnattachedForbidden(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)

	_, err := f.handler.EnableTrack(context.Background(), "conn-stranger", snap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestDisableTrackUnattachedForbidden(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	_, viewer, _ := f.addViewer(t, "bob")
	ctx := context.Background()
	_, err := f.handler.EnableTrack(ctx, "conn-owner", snap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	require.NoError(t, err)

	err = f.handler.DisableTrack(ctx, "conn-stranger", snap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, 1, f.handler.Media.ProducerCount())
	assert.Len(t, viewer.ofType(EventTrackChanged), 1, "only the enable was announced")
}

func TestEnableTrackInvalidCombination(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)

	_, err := f.handler.EnableTrack(context.Background(), "conn-owner", snap.ChannelID, domain.TrackAudio, domain.SourceCamera)
	assert.ErrorIs(t, err, domain.ErrInvalidTrack)
}

func TestJoinSubscribesToExistingProducers(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutBoth)
	ctx := context.Background()
	_, err := f.handler.EnableTrack(ctx, "conn-owner", snap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	require.NoError(t, err)
	_, err = f.handler.EnableTrack(ctx, "conn-owner", snap.ChannelID, domain.TrackAudio, domain.SourceMic)
	require.NoError(t, err)

	f.addViewer(t, "bob")
	assert.Equal(t, 2, f.handler.Media.ConsumerCount(), "late joiner consumes both producers")
}

func TestResourceExhaustedOnJoin(t *testing.T) {
	reg := registry.New()
	tracker := rooms.NewTracker()
	mgr := media.NewManager(&stubForwarder{}, 1) // room for the owner only
	dir := channels.NewInMemoryDirectory()
	h := NewHandler(reg, tracker, mgr, dir)

	owner := &domain.User{ID: "u-alice", Username: "alice"}
	snap, err := h.Start(context.Background(), "conn-owner", owner, &fakeSender{}, "Hello", domain.LayoutCamera)
	require.NoError(t, err)
	_, err = h.EnableTrack(context.Background(), "conn-owner", snap.ChannelID, domain.TrackVideo, domain.SourceCamera)
	require.NoError(t, err)

	bob := &domain.User{ID: "u-bob", Username: "bob"}
	_, err = h.Join(context.Background(), "conn-bob", bob, &fakeSender{}, snap.ChannelID)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
	assert.Equal(t, 1, h.Rooms.Count(snap.ChannelID), "no viewer membership created")
}

// The full walkthrough: start, join, update, owner disconnect, late join.
func TestStreamingLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := f.start(t, "Hello", domain.LayoutCamera)
	_, viewerA, _ := f.addViewer(t, "a")
	require.Equal(t, 2, f.handler.Rooms.Count(snap.ChannelID))

	layout := domain.LayoutBoth
	_, err := f.handler.Update(ctx, "conn-owner", f.owner, domain.StreamingPatch{Layout: &layout})
	require.NoError(t, err)
	for _, sender := range []*fakeSender{f.ownerC, viewerA} {
		events := sender.ofType(EventUpdated)
		require.Len(t, events, 1)
		var p domain.StreamingPatch
		require.NoError(t, json.Unmarshal(events[0].Payload, &p))
		assert.Equal(t, domain.LayoutBoth, *p.Layout)
	}

	f.handler.Disconnect(ctx, "conn-owner")
	assert.Len(t, viewerA.ofType(EventDestroy), 1)

	newViewer := &domain.User{ID: "u-late", Username: "late"}
	_, err = f.handler.Join(ctx, "conn-late", newViewer, &fakeSender{}, snap.ChannelID)
	assert.ErrorIs(t, err, domain.ErrNotLive)
}

func TestConcurrentJoinsSerializedPerChannel(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	ch, _ := f.handler.Channels.ChannelOf(f.owner.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("viewer-%d", i)
			user := &domain.User{ID: domain.UserID("u-" + name), Username: name}
			_, err := f.handler.Join(context.Background(), domain.ConnectionID("conn-"+name), user, &fakeSender{}, ch.ID)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 9, f.handler.Rooms.Count(snap.ChannelID))
}

func lockTableSize(h *Handler) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chLocks)
}

func TestChannelLockTablePruned(t *testing.T) {
	f := newFixture(t)
	snap := f.start(t, "Hello", domain.LayoutCamera)
	f.addViewer(t, "bob")

	// Probing a channel that was never live must not leave an entry.
	user := &domain.User{ID: "u-x", Username: "x"}
	_, err := f.handler.Join(context.Background(), "conn-x", user, &fakeSender{}, "no-such-channel")
	require.ErrorIs(t, err, domain.ErrNotLive)
	assert.Equal(t, 0, lockTableSize(f.handler))

	f.handler.Disconnect(context.Background(), "conn-owner")
	_, err = f.handler.Registry.Get(snap.ChannelID)
	require.ErrorIs(t, err, domain.ErrNotLive)
	assert.Equal(t, 0, lockTableSize(f.handler))
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{domain.ErrAlreadyLive, CodeAlreadyLive},
		{domain.ErrNotLive, CodeChannelOffline},
		{domain.ErrForbidden, CodeForbidden},
		{domain.ErrProducerGone, CodeProducerGone},
		{domain.ErrResourceExhausted, CodeResourceExhausted},
		{domain.ErrMediaNegotiation, CodeMediaNegotiation},
		{domain.ErrInvalidLayout, CodeBadRequest},
		{fmt.Errorf("wrapped: %w", domain.ErrAlreadyLive), CodeAlreadyLive},
		{errors.New("unknown"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, CodeOf(tc.err))
	}
}
