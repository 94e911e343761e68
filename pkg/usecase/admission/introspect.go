package admission

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
)

// Load resolves an image reference with the configured loader
func (u *UseCase) Load(ctx context.Context, ref string) (*model.Image, error) {
	if ref == "" {
		return nil, ErrMissingImage
	}
	return u.loader.Load(ctx, ref)
}

// DetectPresence runs only the presence detector. It is not gated and
// persists nothing.
func (u *UseCase) DetectPresence(ctx context.Context, img *model.Image) (*model.PresenceResult, error) {
	if img == nil {
		return nil, ErrMissingImage
	}
	r, err := u.extractors.Presence.DetectPresence(ctx, img)
	if err != nil {
		return nil, goerr.Wrap(err, "presence detection failed", goerr.V("source", img.Source))
	}
	return r, nil
}

// DetectSynthetic runs only the synthetic detector
func (u *UseCase) DetectSynthetic(ctx context.Context, img *model.Image) (*model.SyntheticDetectionResult, error) {
	if img == nil {
		return nil, ErrMissingImage
	}
	r, err := u.extractors.Synthetic.DetectSynthetic(ctx, img)
	if err != nil {
		return nil, goerr.Wrap(err, "synthetic detection failed", goerr.V("source", img.Source))
	}
	return r, nil
}

// ListHistory returns the newest active fingerprints of a user. A limit of
// zero or less uses the configured history limit.
func (u *UseCase) ListHistory(ctx context.Context, userID string, limit int) (model.HistorySnapshot, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if limit <= 0 {
		limit = u.historyLimit
	}

	history, err := u.repo.ListActiveFingerprints(ctx, userID, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list history", goerr.V("user_id", userID))
	}
	return history, nil
}

// SoftDelete marks a fingerprint deleted. Snapshots already handed out are
// not affected.
func (u *UseCase) SoftDelete(ctx context.Context, id model.FingerprintID) error {
	return u.setStatus(ctx, id, model.StatusDeleted)
}

// Archive marks a fingerprint archived
func (u *UseCase) Archive(ctx context.Context, id model.FingerprintID) error {
	return u.setStatus(ctx, id, model.StatusArchived)
}

func (u *UseCase) setStatus(ctx context.Context, id model.FingerprintID, status model.Status) error {
	if id == "" {
		return goerr.New("fingerprint id is required")
	}
	if err := u.repo.UpdateStatus(ctx, id, status); err != nil {
		return goerr.Wrap(err, "failed to update fingerprint status", goerr.V("id", id), goerr.V("status", status))
	}
	logging.From(ctx).Info("fingerprint status changed", "id", id, "status", status)
	return nil
}

// Health checks the fingerprint store
func (u *UseCase) Health(ctx context.Context) error {
	return u.repo.Ping(ctx)
}
