package realtime

import (
	"time"

	"gapshap/internal/ids"
)

// newSessionID returns a ULID used as websocket session id.
func newSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID returns a ULID used as envelope id. ULIDs order naturally in
// logs, which random hex does not.
func newEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
