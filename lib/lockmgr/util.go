package lockmgr

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ownerIDLength is the size of a random (version 4) uuid
const ownerIDLength = 16

// generateOwnerID creates a new random owner ID
func generateOwnerID() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "generate lock owner id")
	}
	return id[:], nil
}
