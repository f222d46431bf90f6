package wal

import "errors"

var (
	// ErrBatchTooLarge is returned when a submit exceeds the maximum batch
	// size. Nothing is written.
	ErrBatchTooLarge = errors.New("batch exceeds max batch size")

	// ErrInvalidSubscription is returned for a subscription whose start is
	// not strictly below its end.
	ErrInvalidSubscription = errors.New("invalid subscription range")

	// ErrInvalidMetadata is returned when a record carries a metadata value
	// outside the string/int/float/bool slots.
	ErrInvalidMetadata = errors.New("invalid metadata value")
)
