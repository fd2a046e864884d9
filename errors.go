package fleetgate

import "errors"

var (
	// ErrDuplicateEndpoint is returned when a registration collides with an
	// existing endpoint's base URL or name.
	ErrDuplicateEndpoint = errors.New("duplicate endpoint")

	// ErrEndpointNotFound is returned when an operation references an
	// endpoint id that is not in the registry.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrInvalidStateTransition is returned when a lifecycle operation is
	// not valid for the endpoint's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNoHealthyEndpoint is returned by selection when no online, approved
	// endpoint matches the requested capability and model.
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint")

	// ErrLeaseAlreadyClosed is returned when a lease is completed or
	// canceled more than once. The extra close has no effect, so callers
	// may treat this as benign.
	ErrLeaseAlreadyClosed = errors.New("lease already closed")

	// ErrLeaseNotFound is returned when a lease id is unknown, usually
	// because the sweeper already force-canceled it.
	ErrLeaseNotFound = errors.New("lease not found")
)
