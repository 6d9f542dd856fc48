// Package requestid issues the opaque correlation ids attached to
// request log lines and echoed in the X-Request-ID response header.
package requestid

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a 32-character lowercase hex id derived from a random
// UUID, so request ids sort nowhere and leak nothing.
func New() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}
