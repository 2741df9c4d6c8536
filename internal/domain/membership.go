package domain

// Role of a connection inside a channel room. A connection can be a viewer
// of other channels and simultaneously the owner of its own.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleViewer Role = "viewer"
)

// Membership is a connection's attachment to a channel room.
type Membership struct {
	ChannelID    ChannelID    `json:"channelId"`
	ConnectionID ConnectionID `json:"-"`
	Role         Role         `json:"role"`
	DisplayName  string       `json:"displayName"`
}
