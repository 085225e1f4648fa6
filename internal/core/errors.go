package core

import "errors"

var (
	ErrRoomNotFound              = errors.New("room not found")
	ErrAlreadyExists             = errors.New("room already exists")
	ErrParticipantNotFound       = errors.New("participant not found")
	ErrTransportNotFound         = errors.New("transport not found")
	ErrTransportAllocationFailed = errors.New("transport allocation failed")
	ErrIncompatibleCapabilities  = errors.New("incompatible capabilities")
	ErrProducerNotFound          = errors.New("producer not found")
	ErrNotPrimaryPublisher       = errors.New("not the primary publisher")
	ErrAdapterFailure            = errors.New("media engine failure")
)

// ErrorKind maps an error to a short label used in logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrParticipantNotFound):
		return "participant_not_found"
	case errors.Is(err, ErrTransportNotFound):
		return "transport_not_found"
	case errors.Is(err, ErrTransportAllocationFailed):
		return "transport_allocation_failed"
	case errors.Is(err, ErrIncompatibleCapabilities):
		return "incompatible_capabilities"
	case errors.Is(err, ErrProducerNotFound):
		return "producer_not_found"
	case errors.Is(err, ErrNotPrimaryPublisher):
		return "not_primary_publisher"
	case errors.Is(err, ErrAdapterFailure):
		return "adapter_failure"
	}
	return "internal"
}
