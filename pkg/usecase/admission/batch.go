package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/interfaces"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
)

// BatchItem is one image reference of a batch. MissionID defaults to
// "batch_<index>".
type BatchItem struct {
	Source    string `json:"image_url"`
	MissionID string `json:"mission_id,omitempty"`
}

type batchEntry struct {
	index    int
	item     BatchItem
	img      *model.Image
	features *features
	outcome  *model.BatchOutcome
}

// CheckBatch evaluates a list of images for one user. Images are loaded
// independently, embedded in one batched call and compared against one
// history snapshot read before any of them is persisted. The identity gate
// does not run in batch mode.
func (u *UseCase) CheckBatch(ctx context.Context, userID string, items []BatchItem) (*model.BatchResult, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if len(items) == 0 {
		return nil, goerr.Wrap(ErrMissingImage, "empty batch", goerr.V("user_id", userID))
	}
	if u.maxBatchSize > 0 && len(items) > u.maxBatchSize {
		return nil, goerr.Wrap(ErrBatchTooLarge, "batch exceeds limit",
			goerr.V("user_id", userID),
			goerr.V("size", len(items)),
			goerr.V("max", u.maxBatchSize))
	}

	start := u.now()
	logger := logging.From(ctx).With("user_id", userID, "batch_size", len(items))
	ctx = logging.With(ctx, logger)

	entries := make([]*batchEntry, len(items))
	for i, item := range items {
		if item.MissionID == "" {
			item.MissionID = fmt.Sprintf("batch_%d", i)
		}
		entries[i] = &batchEntry{
			index: i,
			item:  item,
			outcome: &model.BatchOutcome{
				Index:     i,
				Source:    item.Source,
				MissionID: item.MissionID,
			},
		}
	}

	loaded := u.loadAll(ctx, entries)
	u.extractAll(ctx, loaded)
	loaded = u.embedAll(ctx, loaded)

	var snapshot model.HistorySnapshot
	if len(loaded) > 0 {
		s, err := u.repo.ListActiveFingerprints(ctx, userID, u.historyLimit)
		if err != nil {
			logger.Error("batch failed", "state", stateFailed, "error", err)
			return nil, goerr.Wrap(ErrHistory, "history unavailable", goerr.V("user_id", userID), goerr.V("cause", err.Error()))
		}
		snapshot = s
	}

	for _, e := range loaded {
		current := snapshot
		ev := &evaluation{
			userID:    userID,
			missionID: e.item.MissionID,
			source:    e.img.Source,
			batch:     true,
			img:       e.img,
			features:  e.features,
			history: func(ctx context.Context) (model.HistorySnapshot, error) {
				return current, nil
			},
			decision: &model.Decision{},
		}

		st, err := u.runGates(ctx, ev)
		switch st {
		case stateFailed:
			u.failEntry(ctx, e, err)
			continue
		case statePersisting:
			u.persist(ctx, ev)
			if u.batchInternalDedup {
				snapshot = ev.snapshot
			}
		}

		ev.decision.ProcessingTime = model.Seconds(u.now().Sub(start))
		e.outcome.Decision = ev.decision
		u.record(ctx, userID, e.item.MissionID, e.img.Source, ev.decision)
	}

	result := &model.BatchResult{
		Results: make([]*model.BatchOutcome, len(entries)),
	}
	for i, e := range entries {
		o := e.outcome
		if o.Decision == nil {
			o.Decision = &model.Decision{Status: model.DecisionError}
		}
		result.Results[i] = o

		result.Summary.Total++
		switch o.Status {
		case model.DecisionApproved:
			result.Summary.Approved++
		case model.DecisionRejected:
			result.Summary.Rejected++
		default:
			result.Summary.Errors++
		}
	}

	logger.Info("batch finished",
		"total", result.Summary.Total,
		"approved", result.Summary.Approved,
		"rejected", result.Summary.Rejected,
		"errors", result.Summary.Errors)
	return result, nil
}

// loadAll resolves every reference on the pool. It returns the entries that
// loaded, in index order.
func (u *UseCase) loadAll(ctx context.Context, entries []*batchEntry) []*batchEntry {
	g := u.pool.Group()
	for _, e := range entries {
		g.Go(ctx, func(ctx context.Context) error {
			if e.item.Source == "" {
				return goerr.Wrap(ErrMissingImage, "empty image reference", goerr.V("index", e.index))
			}
			img, err := u.loader.Load(ctx, e.item.Source)
			e.img = img
			return err
		}, func(err error) {
			if err != nil {
				u.failEntry(ctx, e, err)
			}
		})
	}
	g.Wait()

	var loaded []*batchEntry
	for _, e := range entries {
		if e.outcome.Error == "" && e.img != nil {
			loaded = append(loaded, e)
		}
	}
	return loaded
}

// extractAll runs the per-image extractors except embedding
func (u *UseCase) extractAll(ctx context.Context, entries []*batchEntry) {
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.features = u.extract(ctx, e.img, false)
		}()
	}
	wg.Wait()
}

// embedAll embeds all loaded images in one batched call. Images the embedder
// reports as failed get an error outcome; a failure of the whole call fails
// every loaded image.
func (u *UseCase) embedAll(ctx context.Context, entries []*batchEntry) []*batchEntry {
	if len(entries) == 0 {
		return nil
	}

	imgs := make([]*model.Image, len(entries))
	for i, e := range entries {
		imgs[i] = e.img
	}

	ctx, cancel := context.WithTimeout(ctx, u.batchEmbedTimeout(len(imgs)))
	defer cancel()

	vecs, err := u.extractors.Embedder.EmbedBatch(ctx, imgs)
	var partial *interfaces.EmbedBatchError
	if errors.As(err, &partial) {
		err = nil
	}
	if err == nil && len(vecs) != len(imgs) {
		err = goerr.New("embedding count mismatch", goerr.V("expected", len(imgs)), goerr.V("actual", len(vecs)))
	}
	if err != nil {
		for _, e := range entries {
			u.failEntry(ctx, e, goerr.Wrap(ErrExtraction, "batch embedding unavailable", goerr.V("cause", err.Error())))
		}
		return nil
	}

	var ok []*batchEntry
	for i, e := range entries {
		if partial != nil {
			if cause, bad := partial.Failed[i]; bad {
				u.failEntry(ctx, e, goerr.Wrap(ErrExtraction, "embedding unavailable", goerr.V("index", e.index), goerr.V("cause", cause.Error())))
				continue
			}
		}
		if len(vecs[i]) == 0 {
			u.failEntry(ctx, e, goerr.Wrap(ErrExtraction, "empty embedding", goerr.V("index", e.index)))
			continue
		}
		e.features.embedding = vecs[i]
		ok = append(ok, e)
	}
	return ok
}

// batchEmbedTimeout gives the batched embedding one extract timeout per round
// of concurrent describe calls plus one for the embedding request itself
func (u *UseCase) batchEmbedTimeout(n int) time.Duration {
	par := max(u.embedParallelism, 1)
	rounds := (n+par-1)/par + 1
	return u.extractTimeout * time.Duration(rounds)
}

func (u *UseCase) failEntry(ctx context.Context, e *batchEntry, err error) {
	logging.From(ctx).Warn("batch item failed", "index", e.index, "source", e.item.Source, "error", err)
	e.outcome.Error = err.Error()
	e.outcome.Decision = &model.Decision{Status: model.DecisionError}
}
