// Package channels is the account/channel lookup collaborator. Persistent
// storage of users and channels lives outside this process; the signaling
// core only needs "which channel does this user own".
package channels

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/domain"
)

// Directory resolves channel ownership. Used at start/join time to decide
// owner-vs-viewer.
type Directory interface {
	ChannelOf(userID domain.UserID) (domain.Channel, bool)
	ChannelByID(id domain.ChannelID) (domain.Channel, bool)
	EnsureChannel(user *domain.User) domain.Channel
}

// InMemoryDirectory backs the Directory with process-local maps. Every user
// gets exactly one channel, created on first sight.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	byOwner map[domain.UserID]domain.Channel
	byID    map[domain.ChannelID]domain.Channel
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byOwner: make(map[domain.UserID]domain.Channel),
		byID:    make(map[domain.ChannelID]domain.Channel),
	}
}

func (d *InMemoryDirectory) ChannelOf(userID domain.UserID) (domain.Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.byOwner[userID]
	return ch, ok
}

func (d *InMemoryDirectory) ChannelByID(id domain.ChannelID) (domain.Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.byID[id]
	return ch, ok
}

func (d *InMemoryDirectory) EnsureChannel(user *domain.User) domain.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.byOwner[user.ID]; ok {
		return ch
	}
	ch := domain.Channel{
		ID:      domain.ChannelID(uuid.NewString()),
		OwnerID: user.ID,
		Name:    fmt.Sprintf("%s's channel", user.Username),
	}
	d.byOwner[user.ID] = ch
	d.byID[ch.ID] = ch
	log.Info().Str("module", "channels").Str("channel", string(ch.ID)).
		Str("owner", string(user.ID)).Msg("channel created")
	return ch
}
