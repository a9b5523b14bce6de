package model

import "errors"

var (
	// ErrInvalidInput marks a single order that cannot be planned (bad volume, missing fields).
	ErrInvalidInput = errors.New("invalid input")
	// ErrCapacityExceeded marks an order larger than the largest truck when splitting is off.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrConfiguration marks a malformed engine configuration. It is fatal for the run.
	ErrConfiguration = errors.New("configuration error")
)
