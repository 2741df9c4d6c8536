package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
)

// WebRTCForwarder implements Forwarder over pion peer connections: one
// peer connection per transport, one relay loop per producer, one local
// static RTP track per consumer.
type WebRTCForwarder struct {
	cfg webrtc.Configuration

	mu         sync.Mutex
	transports map[string]*peerTransport
	relays     map[string]*relay // keyed by producer ID
	relayKind  map[string]domain.TrackKind
	pending    map[string][]pendingProducer // keyed by transport ID
	byConsumer map[string]string            // consumer ID -> producer ID
}

type pendingProducer struct {
	producerID string
	kind       domain.TrackKind
	source     domain.TrackSource
}

type peerTransport struct {
	pc     *webrtc.PeerConnection
	connID domain.ConnectionID
	dir    Direction
	ctx    context.Context // cancelled on ICE failure or CloseTransport
	cancel context.CancelFunc
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewWebRTCForwarder(cfg webrtc.Configuration) *WebRTCForwarder {
	return &WebRTCForwarder{
		cfg:        cfg,
		transports: make(map[string]*peerTransport),
		relays:     make(map[string]*relay),
		relayKind:  make(map[string]domain.TrackKind),
		pending:    make(map[string][]pendingProducer),
		byConsumer: make(map[string]string),
	}
}

func (f *WebRTCForwarder) CreateTransport(ctx context.Context, connID domain.ConnectionID, dir Direction) (string, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	// The transport outlives the request that created it; its context is
	// the parent of every relay publishing through it.
	tctx, cancel := context.WithCancel(context.Background())
	t := &peerTransport{pc: pc, connID: connID, dir: dir, ctx: tctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "media.webrtc").Str("transport", id).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "media.webrtc").
			Str("transport", id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track received")
		f.bindRemoteTrack(id, track)
	})

	f.mu.Lock()
	f.transports[id] = t
	f.mu.Unlock()
	return id, nil
}

// bindRemoteTrack matches an arriving remote track against the transport's
// pending producers, preferring a (kind, source) match on the track's
// stream ID and falling back to kind alone.
func (f *WebRTCForwarder) bindRemoteTrack(transportID string, track *webrtc.TrackRemote) {
	kind := domain.TrackVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.TrackAudio
	}

	f.mu.Lock()
	queue := f.pending[transportID]
	idx := -1
	for i, pp := range queue {
		if pp.kind != kind {
			continue
		}
		if string(pp.source) == track.StreamID() {
			idx = i
			break
		}
		if idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		f.mu.Unlock()
		log.Warn().Str("module", "media.webrtc").Str("transport", transportID).
			Str("kind", string(kind)).Msg("remote track without pending producer")
		return
	}
	pp := queue[idx]
	f.pending[transportID] = append(queue[:idx], queue[idx+1:]...)
	r, ok := f.relays[pp.producerID]
	f.mu.Unlock()
	if !ok {
		return
	}

	logger := log.With().
		Str("module", "media.relay").
		Str("producer", pp.producerID).
		Logger()
	r.bindSource(track, &logger)
}

func (f *WebRTCForwarder) CreateProducer(ctx context.Context, transportID string, kind domain.TrackKind, source domain.TrackSource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transports[transportID]
	if !ok {
		return "", fmt.Errorf("unknown transport %s", transportID)
	}
	id := uuid.NewString()
	// Derive from the transport context so tearing the transport down
	// stops the producer's relay loop.
	f.relays[id] = newRelay(t.ctx)
	f.relayKind[id] = kind
	f.pending[transportID] = append(f.pending[transportID], pendingProducer{producerID: id, kind: kind, source: source})
	return id, nil
}

func (f *WebRTCForwarder) CreateConsumer(ctx context.Context, transportID, producerID string) (string, error) {
	f.mu.Lock()
	t, ok := f.transports[transportID]
	if !ok {
		f.mu.Unlock()
		return "", fmt.Errorf("unknown transport %s", transportID)
	}
	r, ok := f.relays[producerID]
	kind := f.relayKind[producerID]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown producer %s", producerID)
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == domain.TrackAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(codec, producerID, id)
	if err != nil {
		return "", err
	}
	if _, err := t.pc.AddTrack(local); err != nil {
		return "", err
	}
	r.addOutTrack(id, newOutTrack(local))

	f.mu.Lock()
	f.byConsumer[id] = producerID
	f.mu.Unlock()
	return id, nil
}

func (f *WebRTCForwarder) CloseProducer(id string) error {
	f.mu.Lock()
	r, ok := f.relays[id]
	delete(f.relays, id)
	delete(f.relayKind, id)
	f.mu.Unlock()
	if ok {
		r.stop()
	}
	return nil
}

func (f *WebRTCForwarder) CloseConsumer(id string) error {
	f.mu.Lock()
	producerID, ok := f.byConsumer[id]
	delete(f.byConsumer, id)
	var r *relay
	if ok {
		r = f.relays[producerID]
	}
	f.mu.Unlock()
	if r != nil {
		r.removeOutTrack(id)
	}
	return nil
}

func (f *WebRTCForwarder) CloseTransport(id string) error {
	f.mu.Lock()
	t, ok := f.transports[id]
	delete(f.transports, id)
	delete(f.pending, id)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	t.cancel()
	return t.pc.Close()
}

// ApplyOffer runs the SDP exchange for a transport: set remote offer,
// create and apply the local answer, wait for ICE gathering.
func (f *WebRTCForwarder) ApplyOffer(transportID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	t, ok := f.transports[transportID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport %s", transportID)
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return t.pc.LocalDescription(), nil
}

func (f *WebRTCForwarder) AddICECandidate(transportID string, ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	t, ok := f.transports[transportID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transport %s", transportID)
	}
	return t.pc.AddICECandidate(ci)
}
