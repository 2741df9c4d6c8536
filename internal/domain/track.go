package domain

import "errors"

var ErrInvalidTrack = errors.New("invalid kind/source combination")

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type TrackSource string

const (
	SourceCamera  TrackSource = "camera"
	SourceMic     TrackSource = "mic"
	SourceDisplay TrackSource = "display"
)

// ValidateTrack rejects combinations no capture device produces: a camera
// publishes video only, a microphone audio only, a display either.
func ValidateTrack(kind TrackKind, source TrackSource) error {
	switch source {
	case SourceCamera:
		if kind != TrackVideo {
			return ErrInvalidTrack
		}
	case SourceMic:
		if kind != TrackAudio {
			return ErrInvalidTrack
		}
	case SourceDisplay:
		if kind != TrackAudio && kind != TrackVideo {
			return ErrInvalidTrack
		}
	default:
		return ErrInvalidTrack
	}
	return nil
}
