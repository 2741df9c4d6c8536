package media

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// relay forwards RTP from one published source track to the out tracks of
// its subscribers. One relay per producer.
type relay struct {
	mu        sync.RWMutex
	src       *webrtc.TrackRemote
	outTracks map[string]*outTrack // keyed by consumer ID

	ctx    context.Context
	cancel context.CancelFunc
}

func newRelay(ctx context.Context) *relay {
	rctx, cancel := context.WithCancel(ctx)
	return &relay{
		outTracks: make(map[string]*outTrack),
		ctx:       rctx,
		cancel:    cancel,
	}
}

// bindSource attaches the remote track once it arrives and starts the
// forwarding loop.
func (r *relay) bindSource(src *webrtc.TrackRemote, logger *zerolog.Logger) {
	r.mu.Lock()
	r.src = src
	r.mu.Unlock()
	go r.loop(r.ctx, logger)
}

func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*outTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, ot := range snapshot {
		switch ot.getState() {
		case outTrackDelete:
			dirty = append(dirty, id)
		case outTrackMuted:
		case outTrackOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", id).Msg("relay write RTP error, marking out track as delete")
				ot.markDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.markDelete()
	}
}

func (r *relay) addOutTrack(consumerID string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *relay) removeOutTrack(consumerID string) {
	r.mu.RLock()
	ot, ok := r.outTracks[consumerID]
	r.mu.RUnlock()
	if ok {
		ot.markDelete()
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllDelete()
}
