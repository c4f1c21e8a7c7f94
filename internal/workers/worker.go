// Package workers implements the slow path: a supervised pool of CDC
// consumers deriving secondary state from the durable log. Each worker owns
// an independent consumer group on the CDC stream, so one worker's lag or
// failure never holds back another.
package workers

import (
	"context"

	"github.com/blueplane/blueplane/pkg/types"
)

// Worker derives state from one committed trace record. Process must be
// idempotent: CDC delivery is at-least-once and a restarted worker replays
// entries it already saw.
type Worker interface {
	// Name identifies the worker; it scopes the consumer group and the
	// idempotence guard.
	Name() string

	// Process handles one CDC entry. A retryable error restarts the worker
	// and leaves the entry for redelivery; a malformed-entry error skips it.
	Process(ctx context.Context, entry *types.CDCEntry) error
}
