package admission

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/adapter"
	"github.com/m-mizutani/proofgate/pkg/idempotency"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
)

// CheckInput is one submission
type CheckInput struct {
	Image *model.Image
	// Reference is the optional profile image for the identity gate
	Reference *model.Image
	UserID    string
	MissionID string
	// IdempotencyKey makes retries of the same submission return the first
	// decision instead of persisting again
	IdempotencyKey string
}

func (in *CheckInput) validate() error {
	if in == nil || in.UserID == "" {
		return ErrMissingUserID
	}
	if in.Image == nil || (len(in.Image.Data) == 0 && in.Image.Decoded == nil) {
		return goerr.Wrap(ErrMissingImage, "no image data", goerr.V("user_id", in.UserID))
	}
	if in.Reference != nil && len(in.Reference.Data) == 0 {
		return goerr.Wrap(ErrMissingImage, "reference image has no data", goerr.V("user_id", in.UserID))
	}
	return nil
}

// Check runs one submission through the pipeline. Rejections are returned as
// decisions; an error means the submission FAILED and nothing was persisted.
func (u *UseCase) Check(ctx context.Context, in *CheckInput) (*model.Decision, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	start := u.now()
	logger := logging.From(ctx).With("user_id", in.UserID, "mission_id", in.MissionID)
	ctx = logging.With(ctx, logger)
	logger.Debug("submission received", "state", stateReceived, "source", in.Image.Source)

	if in.IdempotencyKey != "" && u.guard != nil {
		stored, err := u.guard.Acquire(ctx, in.UserID, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			logger.Info("returning stored decision", "idempotency_key", in.IdempotencyKey, "status", stored.Status)
			return stored, nil
		}
	}

	d, err := u.check(ctx, in)
	if err != nil {
		logger.Error("submission failed", "state", stateFailed, "error", err)
		u.releaseKey(ctx, in)
		return nil, err
	}
	d.ProcessingTime = model.Seconds(u.now().Sub(start))

	u.completeKey(ctx, in, d)
	u.record(ctx, in.UserID, in.MissionID, in.Image.Source, d)
	return d, nil
}

func (u *UseCase) check(ctx context.Context, in *CheckInput) (*model.Decision, error) {
	logger := logging.From(ctx)

	logger.Debug("extracting features", "state", stateExtracting)
	f := u.extract(ctx, in.Image, true)
	if f.embeddingErr == nil && len(f.embedding) == 0 {
		f.embeddingErr = goerr.New("embedder returned an empty vector")
	}
	if f.embeddingErr != nil {
		return nil, goerr.Wrap(ErrExtraction, "embedding unavailable", goerr.V("cause", f.embeddingErr.Error()))
	}

	ev := &evaluation{
		userID:    in.UserID,
		missionID: in.MissionID,
		source:    in.Image.Source,
		img:       in.Image,
		reference: in.Reference,
		features:  f,
		history: func(ctx context.Context) (model.HistorySnapshot, error) {
			return u.repo.ListActiveFingerprints(ctx, in.UserID, u.historyLimit)
		},
		decision: &model.Decision{},
	}

	st, err := u.runGates(ctx, ev)
	switch st {
	case stateFailed:
		return nil, err
	case stateRejected:
		logger.Info("submission rejected", "state", stateRejected, "reason", ev.decision.Reason, "note", ev.decision.Note)
		return ev.decision, nil
	}

	u.persist(ctx, ev)
	logger.Info("submission approved", "state", stateApproved, "saved_id", ev.decision.SavedID, "save_error", ev.decision.SaveError)
	return ev.decision, nil
}

// persist appends the fingerprint. A store failure keeps the approval and
// is reported through SaveError.
func (u *UseCase) persist(ctx context.Context, ev *evaluation) {
	logger := logging.From(ctx)
	logger.Debug("persisting fingerprint", "state", statePersisting)

	d := ev.decision
	d.Status = model.DecisionApproved

	source := u.archiveUpload(ctx, ev)

	fp := &model.ImageFingerprint{
		ID:             model.NewFingerprintID(),
		UserID:         ev.userID,
		MissionID:      ev.missionID,
		Source:         source,
		PerceptualHash: ev.features.hash,
		Embedding:      append([]float32(nil), ev.features.embedding...),
		Synthetic:      ev.features.synthetic.Clone(),
		Presence:       ev.features.presence.Clone(),
		CreatedAt:      u.now(),
		Status:         model.StatusActive,
	}

	if err := u.repo.PutFingerprint(ctx, fp); err != nil {
		logger.Error("failed to save fingerprint", "error", err)
		d.SaveError = err.Error()
		return
	}
	d.SavedID = fp.ID

	// later images of the same batch may compare against this record
	ev.snapshot = append(model.HistorySnapshot{fp.Clone()}, ev.snapshot...)
}

// archiveUpload returns the source recorded for the fingerprint. Uploaded
// images get an opaque source, replaced by the archive URI when an archive
// is configured.
func (u *UseCase) archiveUpload(ctx context.Context, ev *evaluation) string {
	source := ev.source
	if source == "" {
		source = model.NewUploadSource()
	}
	if ev.img.IsRemote() || u.archive == nil || len(ev.img.Data) == 0 {
		return source
	}

	key := "uploads/" + ev.userID + "/" + source + extension(ev.img.MIMEType)
	w, err := u.archive.Put(ctx, key, ev.img.MIMEType)
	if err == nil {
		if _, err = w.Write(ev.img.Data); err != nil {
			_ = w.Close()
		} else {
			err = w.Close()
		}
	}
	if err != nil {
		logging.From(ctx).Warn("failed to archive uploaded image", "key", key, "error", err)
		return source
	}
	return u.archive.URI(key)
}

const (
	completeAttempts = 3
	completeBackoff  = 20 * time.Millisecond
)

// completeKey stores the decision for the key. When the guard keeps failing
// the key is released, so that retries run again instead of seeing the
// pending marker until it expires.
func (u *UseCase) completeKey(ctx context.Context, in *CheckInput, d *model.Decision) {
	if in.IdempotencyKey == "" || u.guard == nil {
		return
	}

	var err error
retry:
	for i := 1; i <= completeAttempts; i++ {
		if err = u.guard.Complete(ctx, in.UserID, in.IdempotencyKey, d); err == nil {
			return
		}
		if i < completeAttempts {
			select {
			case <-time.After(completeBackoff * time.Duration(i)):
			case <-ctx.Done():
				break retry
			}
		}
	}

	logging.From(ctx).Warn("failed to store decision for idempotency key, releasing it",
		"idempotency_key", in.IdempotencyKey, "error", err)
	u.releaseKey(ctx, in)
}

func (u *UseCase) releaseKey(ctx context.Context, in *CheckInput) {
	if in.IdempotencyKey == "" || u.guard == nil {
		return
	}
	if err := u.guard.Release(ctx, in.UserID, in.IdempotencyKey); err != nil {
		logging.From(ctx).Warn("failed to release idempotency key", "error", err)
	}
}

func (u *UseCase) record(ctx context.Context, userID, missionID, source string, d *model.Decision) {
	if u.audit == nil {
		return
	}
	err := u.audit.RecordDecision(ctx, &model.AuditEntry{
		UserID:     userID,
		MissionID:  missionID,
		Source:     source,
		Decision:   d,
		RecordedAt: u.now(),
	})
	if err != nil {
		logging.From(ctx).Warn("failed to record audit entry", "error", err)
	}
}

// IsInputError reports whether err was caused by the submission itself
func IsInputError(err error) bool {
	return errors.Is(err, ErrMissingUserID) ||
		errors.Is(err, ErrMissingImage) ||
		errors.Is(err, ErrBatchTooLarge) ||
		errors.Is(err, adapter.ErrImageFetch) ||
		errors.Is(err, adapter.ErrInvalidImage)
}

// IsConflict reports whether err is a concurrent retry of the same key
func IsConflict(err error) bool {
	return errors.Is(err, idempotency.ErrInProgress)
}
