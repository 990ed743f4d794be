package types

import "errors"

var (
	// ErrShapeNotFound is returned when an operation names a shape that is not in the list
	ErrShapeNotFound = errors.New("shape not found")
	// ErrBusy is returned when a draw or drag starts while another one is active
	ErrBusy = errors.New("another draw or drag is in progress")
	// ErrInvalidLog is returned for feedback log entries that break the union invariant
	ErrInvalidLog = errors.New("invalid feedback log entry")
	// ErrStoreUnavailable is returned when the anomaly store cannot be reached
	ErrStoreUnavailable = errors.New("anomaly store unavailable")
)
