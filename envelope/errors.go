package envelope

import "errors"

var (
	// ErrInvalidEnvelope covers signature mismatch and malformed fields.
	ErrInvalidEnvelope = errors.New("INVALID_ENVELOPE")

	// ErrSelfLoop is returned when from == to, or when a forwarding relay
	// would append itself to via a second time.
	ErrSelfLoop = errors.New("INVALID_ENVELOPE: self loop")
)
