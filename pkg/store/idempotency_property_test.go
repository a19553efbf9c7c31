package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// A key claimed under one request hash refuses every other hash, forever,
// and a completed key replays its stored response verbatim.
func TestProperty_IdempotencyKeyFates(t *testing.T) {
	db := newTestDB(t)
	idem := NewIdempotencyStore(db)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	trial := 0
	properties.Property("second hash is refused, first hash replays", prop.ForAll(
		func(hashA, hashB, response string) bool {
			if hashA == hashB {
				return true // distinct hashes are the premise
			}
			trial++
			key := fmt.Sprintf("prop-key-%d", trial)

			res, err := idem.Begin(ctx, key, hashA, time.Hour)
			if err != nil || !res.Fresh {
				return false
			}
			if _, err := idem.Begin(ctx, key, hashB, time.Hour); !contracts.IsCode(err, contracts.ErrIdempotencyMismatch) {
				return false
			}
			if err := idem.Complete(ctx, key, []byte(response)); err != nil {
				return false
			}

			res, err = idem.Begin(ctx, key, hashA, time.Hour)
			if err != nil || res.Fresh || res.Replay == nil {
				return false
			}
			if string(res.Replay.Response) != response {
				return false
			}
			if res.Replay.Status != contracts.IdempotencyCompleted {
				return false
			}

			// Completion does not soften the mismatch rule.
			_, err = idem.Begin(ctx, key, hashB, time.Hour)
			return contracts.IsCode(err, contracts.ErrIdempotencyMismatch)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
