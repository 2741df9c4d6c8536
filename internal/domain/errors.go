package domain

import "errors"

// Failure taxonomy of the signaling protocol. Every error here is reported
// synchronously to the initiating connection as an ack error and never torn
// through the channel state.
var (
	ErrAlreadyLive       = errors.New("channel already live")
	ErrNotLive           = errors.New("channel not live")
	ErrForbidden         = errors.New("forbidden")
	ErrProducerGone      = errors.New("producer gone")
	ErrResourceExhausted = errors.New("forwarding capacity exhausted")
	ErrMediaNegotiation  = errors.New("media negotiation failed")
)
