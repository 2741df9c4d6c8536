package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type outTrackState int32

const (
	outTrackOk outTrackState = iota
	outTrackMuted
	outTrackDelete
)

// outTrack represents a single outgoing track to a subscriber.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // Zero by default (outTrackOk)
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() outTrackState {
	return outTrackState(ot.state.Load())
}

func (ot *outTrack) markDelete() {
	ot.state.Store(int32(outTrackDelete))
}
