package protocol

import "errors"

var (
	// ErrNoSpace indicates a frame does not fit in the transmit buffer.
	// Nothing of the frame is committed.
	ErrNoSpace = errors.New("transmit buffer full")
	// ErrPayloadTooLarge indicates DATA would not fit in the SIZE byte.
	ErrPayloadTooLarge = errors.New("payload exceeds 255 bytes")
	// ErrInvalidCommand indicates the command id can't be put on the wire.
	ErrInvalidCommand = errors.New("invalid command id")
	// ErrMalformedPayload indicates DATA does not have the expected layout
	ErrMalformedPayload = errors.New("malformed payload")
)

var (
	// ErrTimeout indicates a link read or write timed out
	ErrTimeout = errors.New("link timeout")
	// ErrLinkClosed indicates the link is gone for good
	ErrLinkClosed = errors.New("link closed")
	// ErrInactive indicates the link is not connected right now
	ErrInactive = errors.New("link inactive")
)
