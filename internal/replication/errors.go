package replication

import "errors"

var (
	// ErrRoleConflict is returned when hosting and connecting as a client
	// would overlap.
	ErrRoleConflict = errors.New("role conflict: hosting and client roles are exclusive")

	// ErrChannelNotOpen is returned by Session.Send outside the OPEN state.
	// The coordinator drops such sends silently.
	ErrChannelNotOpen = errors.New("peer channel is not open")

	ErrNegotiationTimeout = errors.New("peer negotiation timed out")
	ErrCoordinatorClosed  = errors.New("coordinator closed")
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrRemoteUnsupported  = errors.New("remote endpoints are not supported by this coordinator")
)
