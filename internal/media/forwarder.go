package media

import (
	"context"

	"github.com/kwitch/streaming/internal/domain"
)

// Forwarder is the external media-forwarding capability. The manager treats
// it as opaque: it hands out identifiers for transports, producers and
// consumers and tears them down on request. The production implementation
// wraps pion/webrtc; tests substitute a stub.
type Forwarder interface {
	CreateTransport(ctx context.Context, connID domain.ConnectionID, dir Direction) (string, error)
	CreateProducer(ctx context.Context, transportID string, kind domain.TrackKind, source domain.TrackSource) (string, error)
	CreateConsumer(ctx context.Context, transportID, producerID string) (string, error)
	CloseTransport(id string) error
	CloseProducer(id string) error
	CloseConsumer(id string) error
}
