package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
)

// Manager owns the media-side resource records exclusively; no other
// component holds a producer/consumer reference beyond its identifier.
type Manager struct {
	fwd      Forwarder
	capacity int

	mu         sync.Mutex
	reserved   int // in-flight CreateTransport slots counted against capacity
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

// NewManager wires the manager over a forwarding capability. capacity <= 0
// means unbounded transports.
func NewManager(fwd Forwarder, capacity int) *Manager {
	return &Manager{
		fwd:        fwd,
		capacity:   capacity,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

// CreateTransport allocates a directional transport for a connection on a
// channel. Fails with ErrResourceExhausted when no forwarding capacity is
// left.
func (m *Manager) CreateTransport(ctx context.Context, channelID domain.ChannelID, connID domain.ConnectionID, dir Direction) (*Transport, error) {
	// Reserve the slot before the forwarder call so concurrent creates
	// cannot overshoot the capacity.
	m.mu.Lock()
	if m.capacity > 0 && len(m.transports)+m.reserved >= m.capacity {
		m.mu.Unlock()
		return nil, domain.ErrResourceExhausted
	}
	m.reserved++
	m.mu.Unlock()

	id, err := m.fwd.CreateTransport(ctx, connID, dir)
	if err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaNegotiation, err)
	}
	t := &Transport{ID: id, ChannelID: channelID, ConnectionID: connID, Direction: dir}
	m.mu.Lock()
	m.reserved--
	m.transports[id] = t
	m.mu.Unlock()
	log.Info().Str("module", "media").Str("transport", id).Str("conn", string(connID)).
		Str("direction", string(dir)).Msg("transport created")
	return t, nil
}

// TransportFor returns the connection's transport with the given direction
// on a channel, if one exists.
func (m *Manager) TransportFor(channelID domain.ChannelID, connID domain.ConnectionID, dir Direction) (*Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transports {
		if t.ChannelID == channelID && t.ConnectionID == connID && t.Direction == dir {
			return t, true
		}
	}
	return nil, false
}

// Publish creates a producer for one published track on a send transport.
func (m *Manager) Publish(ctx context.Context, transportID string, kind domain.TrackKind, source domain.TrackSource) (*Producer, error) {
	m.mu.Lock()
	t, ok := m.transports[transportID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport %s", domain.ErrMediaNegotiation, transportID)
	}
	id, err := m.fwd.CreateProducer(ctx, transportID, kind, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaNegotiation, err)
	}
	p := &Producer{
		ID:                id,
		ChannelID:         t.ChannelID,
		OwnerConnectionID: t.ConnectionID,
		TransportID:       transportID,
		Kind:              kind,
		Source:            source,
	}
	m.mu.Lock()
	m.producers[id] = p
	m.mu.Unlock()
	log.Info().Str("module", "media").Str("producer", id).Str("conn", string(t.ConnectionID)).
		Str("kind", string(kind)).Str("source", string(source)).Msg("producer published")
	return p, nil
}

// Subscribe attaches a viewer to a producer. Fails with ErrProducerGone if
// the producer was closed concurrently.
func (m *Manager) Subscribe(ctx context.Context, viewerConn domain.ConnectionID, producerID string) (*Consumer, error) {
	m.mu.Lock()
	p, ok := m.producers[producerID]
	if !ok {
		m.mu.Unlock()
		return nil, domain.ErrProducerGone
	}
	var recv *Transport
	for _, t := range m.transports {
		if t.ChannelID == p.ChannelID && t.ConnectionID == viewerConn && t.Direction == DirectionRecv {
			recv = t
			break
		}
	}
	m.mu.Unlock()
	if recv == nil {
		return nil, fmt.Errorf("%w: no recv transport for %s", domain.ErrMediaNegotiation, viewerConn)
	}

	id, err := m.fwd.CreateConsumer(ctx, recv.ID, producerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaNegotiation, err)
	}
	c := &Consumer{ID: id, ViewerConnectionID: viewerConn, ProducerID: producerID, TransportID: recv.ID}
	m.mu.Lock()
	// A racing CloseProducer may have swept the producer while the
	// forwarder call was in flight.
	if _, ok := m.producers[producerID]; !ok {
		m.mu.Unlock()
		_ = m.fwd.CloseConsumer(id)
		return nil, domain.ErrProducerGone
	}
	m.consumers[id] = c
	m.mu.Unlock()
	log.Info().Str("module", "media").Str("consumer", id).Str("producer", producerID).
		Str("viewer", string(viewerConn)).Msg("consumer subscribed")
	return c, nil
}

// CloseProducer transitively closes dependent consumers before removing the
// producer record. Idempotent: closing an unknown producer is a no-op.
func (m *Manager) CloseProducer(producerID string) {
	m.mu.Lock()
	p, ok := m.producers[producerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.producers, producerID)
	dependent := make([]*Consumer, 0)
	for id, c := range m.consumers {
		if c.ProducerID == producerID {
			dependent = append(dependent, c)
			delete(m.consumers, id)
		}
	}
	m.mu.Unlock()

	for _, c := range dependent {
		if err := m.fwd.CloseConsumer(c.ID); err != nil {
			log.Error().Err(err).Str("module", "media").Str("consumer", c.ID).Msg("close consumer failed")
		}
	}
	if err := m.fwd.CloseProducer(p.ID); err != nil {
		log.Error().Err(err).Str("module", "media").Str("producer", p.ID).Msg("close producer failed")
	}
	log.Info().Str("module", "media").Str("producer", producerID).
		Int("consumers_closed", len(dependent)).Msg("producer closed")
}

// CloseAllForConnection closes every transport, producer and consumer owned
// by the connection. It is the cancellation primitive for disconnects and
// session teardown: a failure closing one resource is logged and the rest
// are still attempted.
func (m *Manager) CloseAllForConnection(connID domain.ConnectionID) {
	m.mu.Lock()
	producerIDs := make([]string, 0)
	for id, p := range m.producers {
		if p.OwnerConnectionID == connID {
			producerIDs = append(producerIDs, id)
		}
	}
	ownConsumers := make([]*Consumer, 0)
	for id, c := range m.consumers {
		if c.ViewerConnectionID == connID {
			ownConsumers = append(ownConsumers, c)
			delete(m.consumers, id)
		}
	}
	ownTransports := make([]*Transport, 0)
	for id, t := range m.transports {
		if t.ConnectionID == connID {
			ownTransports = append(ownTransports, t)
			delete(m.transports, id)
		}
	}
	m.mu.Unlock()

	for _, id := range producerIDs {
		m.CloseProducer(id)
	}
	for _, c := range ownConsumers {
		if err := m.fwd.CloseConsumer(c.ID); err != nil {
			log.Error().Err(err).Str("module", "media").Str("consumer", c.ID).Msg("close consumer failed")
		}
	}
	for _, t := range ownTransports {
		if err := m.fwd.CloseTransport(t.ID); err != nil {
			log.Error().Err(err).Str("module", "media").Str("transport", t.ID).Msg("close transport failed")
		}
	}
	log.Info().Str("module", "media").Str("conn", string(connID)).
		Int("producers", len(producerIDs)).Int("consumers", len(ownConsumers)).
		Int("transports", len(ownTransports)).Msg("connection resources swept")
}

// CloseAllForConnectionOnChannel closes the connection's transports,
// producers and consumers on one channel only. Session teardown uses this
// so a member who is simultaneously live on another channel keeps their
// resources there.
func (m *Manager) CloseAllForConnectionOnChannel(channelID domain.ChannelID, connID domain.ConnectionID) {
	m.mu.Lock()
	producerIDs := make([]string, 0)
	for id, p := range m.producers {
		if p.OwnerConnectionID == connID && p.ChannelID == channelID {
			producerIDs = append(producerIDs, id)
		}
	}
	ownTransports := make([]*Transport, 0)
	transportSet := make(map[string]struct{})
	for id, t := range m.transports {
		if t.ConnectionID == connID && t.ChannelID == channelID {
			ownTransports = append(ownTransports, t)
			transportSet[id] = struct{}{}
			delete(m.transports, id)
		}
	}
	ownConsumers := make([]*Consumer, 0)
	for id, c := range m.consumers {
		if c.ViewerConnectionID != connID {
			continue
		}
		if _, ok := transportSet[c.TransportID]; ok {
			ownConsumers = append(ownConsumers, c)
			delete(m.consumers, id)
		}
	}
	m.mu.Unlock()

	for _, id := range producerIDs {
		m.CloseProducer(id)
	}
	for _, c := range ownConsumers {
		if err := m.fwd.CloseConsumer(c.ID); err != nil {
			log.Error().Err(err).Str("module", "media").Str("consumer", c.ID).Msg("close consumer failed")
		}
	}
	for _, t := range ownTransports {
		if err := m.fwd.CloseTransport(t.ID); err != nil {
			log.Error().Err(err).Str("module", "media").Str("transport", t.ID).Msg("close transport failed")
		}
	}
	log.Info().Str("module", "media").Str("channel", string(channelID)).Str("conn", string(connID)).
		Int("producers", len(producerIDs)).Int("consumers", len(ownConsumers)).
		Int("transports", len(ownTransports)).Msg("channel resources swept")
}

// ProducersForChannel lists live producers published into a channel.
func (m *Manager) ProducersForChannel(channelID domain.ChannelID) []*Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Producer, 0)
	for _, p := range m.producers {
		if p.ChannelID == channelID {
			out = append(out, p)
		}
	}
	return out
}

// ProducerBy finds the connection's producer for a (kind, source) pair.
func (m *Manager) ProducerBy(connID domain.ConnectionID, kind domain.TrackKind, source domain.TrackSource) (*Producer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.producers {
		if p.OwnerConnectionID == connID && p.Kind == kind && p.Source == source {
			return p, true
		}
	}
	return nil, false
}

func (m *Manager) TransportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transports)
}

func (m *Manager) ProducerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.producers)
}

func (m *Manager) ConsumerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers)
}
