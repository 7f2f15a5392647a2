package document

import "github.com/google/uuid"

// NewID generates an opaque document identifier (spec §2: "_id is an
// opaque string assigned at insert time unless the caller supplies one").
// Grounded in cuemby-warren/homveloper-boss-raid-game's use of
// google/uuid for identifier generation, rather than a hand-rolled
// random-bytes-plus-hex scheme.
func NewID() string {
	return uuid.NewString()
}
