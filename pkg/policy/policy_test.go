package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/policy"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "review.rego"), []byte(body), 0644))
	return dir
}

func TestReview(t *testing.T) {
	ctx := context.Background()
	dir := writePolicy(t, `package review

default reject := false

reject if {
	input.signals.presence.confidence < 0.5
}

note := "low presence confidence" if {
	reject
}
`)

	engine, err := policy.New(ctx, dir)
	gt.NoError(t, err)
	gt.V(t, engine).NotNil()

	verdict, err := engine.Review(ctx, &policy.Input{
		UserID: "u1",
		Signals: model.Signals{
			Presence: &model.PresenceResult{Detected: true, Confidence: 0.35},
		},
	})
	gt.NoError(t, err)
	gt.True(t, verdict.Reject)
	gt.Equal(t, verdict.Note, "low presence confidence")

	verdict, err = engine.Review(ctx, &policy.Input{
		UserID: "u1",
		Signals: model.Signals{
			Presence: &model.PresenceResult{Detected: true, Confidence: 0.9},
		},
	})
	gt.NoError(t, err)
	gt.False(t, verdict.Reject)
	gt.Equal(t, verdict.Note, "")
}

func TestReviewMissionRule(t *testing.T) {
	ctx := context.Background()
	dir := writePolicy(t, `package review

reject if {
	input.batch
	input.history_size > 2
}
`)

	engine, err := policy.New(ctx, dir)
	gt.NoError(t, err)

	verdict, err := engine.Review(ctx, &policy.Input{Batch: true, HistorySize: 3})
	gt.NoError(t, err)
	gt.True(t, verdict.Reject)

	verdict, err = engine.Review(ctx, &policy.Input{Batch: false, HistorySize: 3})
	gt.NoError(t, err)
	gt.False(t, verdict.Reject)
}

func TestNoPolicy(t *testing.T) {
	ctx := context.Background()

	engine, err := policy.New(ctx, t.TempDir())
	gt.NoError(t, err)
	gt.Nil(t, engine)

	// nil engine passes
	verdict, err := engine.Review(ctx, &policy.Input{})
	gt.NoError(t, err)
	gt.False(t, verdict.Reject)
}

func TestInvalidPolicy(t *testing.T) {
	ctx := context.Background()
	dir := writePolicy(t, `package review

reject if {
	input.
}
`)
	_, err := policy.New(ctx, dir)
	gt.Error(t, err)

	_, err = policy.New(ctx, filepath.Join(t.TempDir(), "missing"))
	gt.Error(t, err)
}
