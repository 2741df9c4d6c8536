// Package client is the negotiation state running at a participant's edge:
// it translates user intent into protocol events and keeps local track
// references consistent with server-confirmed state. It is decoupled from
// any rendering mechanism.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
	"github.com/kwitch/streaming/internal/signaling"
)

// Conn is the request half of the participant's signaling connection:
// emit an event and wait for its ack.
type Conn interface {
	Request(ctx context.Context, eventType string, payload any) (*signaling.Ack, error)
}

// CaptureDevice is a live local capture (camera, microphone, display).
// Closing it releases the hardware.
type CaptureDevice interface {
	Close() error
}

// CaptureOpener opens the local device for a (kind, source) pair.
type CaptureOpener func(kind domain.TrackKind, source domain.TrackSource) (CaptureDevice, error)

// TrackState is the lifecycle of one local track.
type TrackState int

const (
	TrackIdle TrackState = iota
	TrackPublishing
	TrackLive
)

var ErrAckTimeout = errors.New("ack timed out")

type trackKey struct {
	kind   domain.TrackKind
	source domain.TrackSource
}

type localTrack struct {
	state  TrackState
	device CaptureDevice
}

// Negotiator drives local publishing state from protocol acknowledgments.
// Single goroutine per participant is the intended use; the mutex only
// protects against the bounded-wait teardown racing a late ack.
type Negotiator struct {
	conn       Conn
	open       CaptureOpener
	ackTimeout time.Duration

	mu     sync.Mutex
	tracks map[trackKey]*localTrack
	roster map[string]struct{}          // usernames of other members
	remote map[trackKey]map[string]bool // remote active tracks by publisher
	layout domain.Layout
}

func NewNegotiator(conn Conn, open CaptureOpener, ackTimeout time.Duration) *Negotiator {
	return &Negotiator{
		conn:       conn,
		open:       open,
		ackTimeout: ackTimeout,
		tracks:     make(map[trackKey]*localTrack),
		roster:     make(map[string]struct{}),
		remote:     make(map[trackKey]map[string]bool),
		layout:     domain.LayoutCamera,
	}
}

// EnableTrack opens the capture device, then asks the server to publish.
// The track is advertised as live only once the producer is acknowledged;
// on failure or timeout the device is released again.
func (n *Negotiator) EnableTrack(ctx context.Context, kind domain.TrackKind, source domain.TrackSource) error {
	if err := domain.ValidateTrack(kind, source); err != nil {
		return err
	}
	key := trackKey{kind: kind, source: source}

	n.mu.Lock()
	if t, ok := n.tracks[key]; ok && t.state != TrackIdle {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	device, err := n.open(kind, source)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	n.mu.Lock()
	n.tracks[key] = &localTrack{state: TrackPublishing, device: device}
	n.mu.Unlock()

	ack, err := n.request(ctx, signaling.EventEnableTrack, signaling.TrackPayload{Kind: kind, Source: source})
	if err != nil || !ack.OK {
		n.teardownLocal(key)
		if err != nil {
			return err
		}
		return fmt.Errorf("enable track rejected: %s", ack.Code)
	}

	n.mu.Lock()
	if t, ok := n.tracks[key]; ok {
		t.state = TrackLive
	}
	n.mu.Unlock()
	log.Info().Str("module", "client").Str("kind", string(kind)).Str("source", string(source)).Msg("track live")
	return nil
}

// DisableTrack closes the producer and the local capture symmetrically.
// Even if the server acknowledgment never arrives, the device is torn down
// after the bounded wait so a live camera or microphone never leaks.
func (n *Negotiator) DisableTrack(ctx context.Context, kind domain.TrackKind, source domain.TrackSource) error {
	key := trackKey{kind: kind, source: source}
	n.mu.Lock()
	_, ok := n.tracks[key]
	n.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := n.request(ctx, signaling.EventDisableTrack, signaling.TrackPayload{Kind: kind, Source: source})
	n.teardownLocal(key)
	if err != nil && !errors.Is(err, ErrAckTimeout) {
		return err
	}
	if errors.Is(err, ErrAckTimeout) {
		log.Warn().Str("module", "client").Str("kind", string(kind)).
			Str("source", string(source)).Msg("disable ack timed out, forced local teardown")
	}
	return nil
}

// request emits an event and waits for its ack, at most ackTimeout.
func (n *Negotiator) request(ctx context.Context, eventType string, payload any) (*signaling.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, n.ackTimeout)
	defer cancel()

	type result struct {
		ack *signaling.Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		ack, err := n.conn.Request(ctx, eventType, payload)
		done <- result{ack: ack, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ErrAckTimeout
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, ErrAckTimeout
		}
		return r.ack, r.err
	}
}

func (n *Negotiator) teardownLocal(key trackKey) {
	n.mu.Lock()
	t, ok := n.tracks[key]
	delete(n.tracks, key)
	n.mu.Unlock()
	if !ok {
		return
	}
	if err := t.device.Close(); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("close capture device")
	}
}

// State reports the current state of a local track.
func (n *Negotiator) State(kind domain.TrackKind, source domain.TrackSource) TrackState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.tracks[trackKey{kind: kind, source: source}]; ok {
		return t.state
	}
	return TrackIdle
}

// Close force-releases every local capture device, live or in flight.
func (n *Negotiator) Close() {
	n.mu.Lock()
	tracks := n.tracks
	n.tracks = make(map[trackKey]*localTrack)
	n.mu.Unlock()
	for _, t := range tracks {
		if err := t.device.Close(); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("close capture device")
		}
	}
}
