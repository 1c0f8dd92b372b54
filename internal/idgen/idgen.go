// Package idgen generates identifiers for persisted entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes used across the service. Ids are opaque to clients; the prefix
// only makes logs and audit exports easier to read.
const (
	RunPrefix          = "run_"
	PayoutPrefix       = "pay_"
	ContributionPrefix = "evt_"
	ContributorPrefix  = "ctb_"
	TopicPrefix        = "top_"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// RunID returns a distribution run identifier (run_<uuid>).
func RunID() string {
	return RunPrefix + uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "evt_", "pay_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
