package cache

import "errors"

var (
	// ErrMiss reports that no record exists for the key.
	ErrMiss = errors.New("cache miss")

	// ErrBusy reports that a record is leased by an in-progress delivery.
	ErrBusy = errors.New("record in use")
)
