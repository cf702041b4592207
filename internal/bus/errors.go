package bus

import "errors"

var (
	// ErrUnknownTopic is returned for topics outside the closed set
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrBusClosed is returned when publishing after Close
	ErrBusClosed = errors.New("event bus closed")
)
