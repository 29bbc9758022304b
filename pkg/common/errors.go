package common

import "errors"

var (
	// ErrFlashIO wraps every error reported by a flash device. The device
	// error stays reachable through errors.Is / errors.As.
	ErrFlashIO = errors.New("flash io")

	// ErrInvalidData is returned when stored bytes cannot be decoded into
	// a key or value of the expected shape.
	ErrInvalidData = errors.New("invalid data")

	// ErrBufferTooSmall is returned when an encoded key or value does not
	// fit its fixed capacity.
	ErrBufferTooSmall = errors.New("buffer too small")
)
