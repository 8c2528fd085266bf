package chm

import "errors"

var (
	// ErrInvalidConfiguration is returned by New when a construction
	// option is out of range or has the wrong type for the map's key or
	// value type. No partially initialized map is ever returned
	// alongside it.
	ErrInvalidConfiguration = errors.New("invalid map configuration")
)
