package tile

import (
	"fmt"
)

// FetchError reports that a tile's bytes could not be retrieved.
// A FetchError affects only the one tile; sibling loads continue.
type FetchError struct {
	Addr Address
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch tile %s: %v", e.Addr.ID(), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError reports a corrupt or size-mismatched tile payload.
type DecodeError struct {
	Addr Address
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode tile %s: %v", e.Addr.ID(), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
