package domain

type (
	ChannelID    string
	ConnectionID string
)

type Channel struct {
	ID      ChannelID `json:"id"`
	OwnerID UserID    `json:"ownerId"`
	Name    string    `json:"name"`
}
