package bencode

import (
	"errors"
	"fmt"
)

// Decode error taxonomy. Every decode failure wraps exactly one of these.
var (
	ErrTruncated       = errors.New("bencode: truncated input")
	ErrMalformed       = errors.New("bencode: malformed token")
	ErrKeyOrder        = errors.New("bencode: dictionary key out of order")
	ErrDuplicateKey    = errors.New("bencode: duplicate dictionary key")
	ErrDepthExceeded   = errors.New("bencode: nesting depth exceeded")
	ErrIntegerOverflow = errors.New("bencode: integer overflow")
)

func decodeErr(sentinel error, offset int, detail string) error {
	if detail == "" {
		return fmt.Errorf("offset %d: %w", offset, sentinel)
	}
	return fmt.Errorf("offset %d: %s: %w", offset, detail, sentinel)
}
