package kataribe

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy envelope invariants.
	ErrInvalidEvent = errors.New("kataribe: invalid event")
	// ErrEventDropped indicates a subscriber queue overflow drop.
	ErrEventDropped = errors.New("kataribe: event dropped on queue overflow")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("kataribe: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("kataribe: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("kataribe: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("kataribe: driver already registered")
)
