package pomegranate

import "errors"

var (
	// ErrSessionActive refuses a handshake for a session already bound to a
	// live connection.
	ErrSessionActive = errors.New("pomegranate: session already bound to a live connection")

	// Unit errors.
	ErrUnitNotFound = errors.New("pomegranate: unit not found")
	ErrUnitTerminal = errors.New("pomegranate: unit already in a terminal state")

	// Protocol errors.
	ErrMalformedFrame    = errors.New("pomegranate: malformed frame")
	ErrFrameTooLarge     = errors.New("pomegranate: frame exceeds size limit")
	ErrProtocolViolation = errors.New("pomegranate: protocol violation")
	ErrHandshakeRejected = errors.New("pomegranate: handshake rejected")

	// ErrUnitCancelled is returned by a Handler to acknowledge a cooperative
	// cancellation instead of producing a result.
	ErrUnitCancelled = errors.New("pomegranate: unit cancelled")
)
