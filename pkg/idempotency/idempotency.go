// Package idempotency remembers the decision produced for a client supplied
// request key, so that a retried submission returns the original decision
// instead of persisting a second fingerprint.
package idempotency

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

var ErrInProgress = goerr.New("request with the same idempotency key is in progress")

const DefaultTTL = 24 * time.Hour

// Guard reserves request keys. Keys are scoped by user.
type Guard interface {
	// Acquire reserves the key. It returns the stored decision when the key
	// already completed, ErrInProgress when another request holds it, and
	// (nil, nil) when the caller now owns the key.
	Acquire(ctx context.Context, userID, key string) (*model.Decision, error)

	// Complete stores the decision for an owned key
	Complete(ctx context.Context, userID, key string, decision *model.Decision) error

	// Release drops an owned key without storing a decision, so that a retry
	// can run again
	Release(ctx context.Context, userID, key string) error
}

func scopedKey(userID, key string) string {
	return "proofgate:idem:" + userID + ":" + key
}
