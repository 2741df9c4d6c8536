package domain

import (
	"errors"
	"time"
)

const MaxTitleLen = 100

var (
	ErrTitleTooLong  = errors.New("title too long")
	ErrInvalidLayout = errors.New("invalid layout")
)

// Layout tells viewers which combination of camera and display video to render.
type Layout string

const (
	LayoutCamera  Layout = "camera"
	LayoutDisplay Layout = "display"
	LayoutBoth    Layout = "both"
)

func (l Layout) Valid() bool {
	switch l {
	case LayoutCamera, LayoutDisplay, LayoutBoth:
		return true
	}
	return false
}

// Streaming is one live broadcast for a channel. Liveness is a presence
// check in the registry, not a flag on this struct.
type Streaming struct {
	ChannelID         ChannelID    `json:"channelId"`
	OwnerConnectionID ConnectionID `json:"-"`
	Title             string       `json:"title"`
	Layout            Layout       `json:"layout"`
	CreatedAt         time.Time    `json:"createdAt"`
}

func NewStreaming(channelID ChannelID, owner ConnectionID, title string, layout Layout) (*Streaming, error) {
	if len(title) > MaxTitleLen {
		return nil, ErrTitleTooLong
	}
	if !layout.Valid() {
		return nil, ErrInvalidLayout
	}
	return &Streaming{
		ChannelID:         channelID,
		OwnerConnectionID: owner,
		Title:             title,
		Layout:            layout,
		CreatedAt:         time.Now(),
	}, nil
}

// StreamingPatch is a partial update of mutable session fields. Only the
// owner membership may apply one.
type StreamingPatch struct {
	Title  *string `json:"title,omitempty"`
	Layout *Layout `json:"layout,omitempty"`
}

func (p StreamingPatch) Validate() error {
	if p.Title != nil && len(*p.Title) > MaxTitleLen {
		return ErrTitleTooLong
	}
	if p.Layout != nil && !p.Layout.Valid() {
		return ErrInvalidLayout
	}
	return nil
}

func (s *Streaming) Apply(p StreamingPatch) {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Layout != nil {
		s.Layout = *p.Layout
	}
}
