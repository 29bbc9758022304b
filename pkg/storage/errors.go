package storage

import "errors"

var (
	// ErrCorrupted is returned when the page markers of the region are in a
	// state the store never produces.
	ErrCorrupted = errors.New("storage: region corrupted")

	// ErrFullStorage is returned when no page can take a new record even
	// after reclaiming shadowed ones.
	ErrFullStorage = errors.New("storage: full")

	// ErrItemTooBig is returned for a record that can never fit in a page.
	ErrItemTooBig = errors.New("storage: item too big for a page")

	// ErrInvalidRange is returned when the range or the device geometry
	// cannot hold a log.
	ErrInvalidRange = errors.New("storage: invalid range")
)
