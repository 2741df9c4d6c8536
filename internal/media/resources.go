// Package media manages the SFU-side resources backing a session and its
// participants: transports, producers and consumers. Pure resource
// lifecycle, no protocol knowledge.
package media

import "github.com/kwitch/streaming/internal/domain"

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Transport is a send or receive path between one connection and the SFU.
type Transport struct {
	ID           string
	ChannelID    domain.ChannelID
	ConnectionID domain.ConnectionID
	Direction    Direction
}

// Producer is one published track.
type Producer struct {
	ID                string
	ChannelID         domain.ChannelID
	OwnerConnectionID domain.ConnectionID
	TransportID       string
	Kind              domain.TrackKind
	Source            domain.TrackSource
}

// Consumer is one viewer's subscription to a producer.
type Consumer struct {
	ID                 string
	ViewerConnectionID domain.ConnectionID
	ProducerID         string
	TransportID        string
}
