package model

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// CodeHash returns the hex xxhash64 of a script, used to group history
// records of the same code.
func CodeHash(code string) string {
	return strconv.FormatUint(xxhash.Sum64String(code), 16)
}
