package idempotency_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/proofgate/pkg/idempotency"
	"github.com/m-mizutani/proofgate/pkg/model"
)

func testGuard(t *testing.T, g idempotency.Guard) {
	ctx := context.Background()
	key := uuid.NewString()

	stored, err := g.Acquire(ctx, "user-1", key)
	gt.NoError(t, err)
	gt.Nil(t, stored)

	_, err = g.Acquire(ctx, "user-1", key)
	gt.True(t, errors.Is(err, idempotency.ErrInProgress))

	// same key of another user is independent
	stored, err = g.Acquire(ctx, "user-2", key)
	gt.NoError(t, err)
	gt.Nil(t, stored)

	decision := &model.Decision{
		Status:  model.DecisionApproved,
		SavedID: model.FingerprintID("fp-1"),
	}
	gt.NoError(t, g.Complete(ctx, "user-1", key, decision))

	stored, err = g.Acquire(ctx, "user-1", key)
	gt.NoError(t, err)
	gt.V(t, stored).NotNil()
	gt.Equal(t, stored.Status, model.DecisionApproved)
	gt.Equal(t, stored.SavedID, model.FingerprintID("fp-1"))

	gt.NoError(t, g.Release(ctx, "user-2", key))
	stored, err = g.Acquire(ctx, "user-2", key)
	gt.NoError(t, err)
	gt.Nil(t, stored)
}

func TestMemory(t *testing.T) {
	testGuard(t, idempotency.NewMemory())
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	g := idempotency.NewMemory(
		idempotency.WithMemoryTTL(time.Minute),
		idempotency.WithClock(func() time.Time { return now }),
	)

	_, err := g.Acquire(ctx, "u", "k")
	gt.NoError(t, err)
	_, err = g.Acquire(ctx, "u", "k")
	gt.Error(t, err)

	now = now.Add(2 * time.Minute)
	stored, err := g.Acquire(ctx, "u", "k")
	gt.NoError(t, err)
	gt.Nil(t, stored)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}

	g, err := idempotency.NewRedis(context.Background(), addr, idempotency.WithRedisTTL(time.Minute))
	gt.NoError(t, err)
	defer g.Close()

	testGuard(t, g)
}
