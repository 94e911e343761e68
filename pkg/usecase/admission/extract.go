package admission

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
	"github.com/m-mizutani/proofgate/pkg/workerpool"
)

// features holds extraction outputs. Each field pair is written by exactly
// one task and read after the group has finished.
type features struct {
	hash    string
	hashErr error

	embedding    []float32
	embeddingErr error

	synthetic    *model.SyntheticDetectionResult
	syntheticErr error

	presence    *model.PresenceResult
	presenceErr error
}

// extract dispatches every feature extraction of img on the shared pool and
// waits for all of them. The embedding is skipped when withEmbedding is false
// (batch mode supplies it separately).
func (u *UseCase) extract(ctx context.Context, img *model.Image, withEmbedding bool) *features {
	f := &features{}
	g := u.pool.Group()

	u.submit(ctx, g, "hash", func(ctx context.Context) error {
		h, err := u.extractors.Hasher.PerceptualHash(ctx, img)
		f.hash = h
		return err
	}, func(err error) { f.hashErr = err })

	u.submit(ctx, g, "synthetic", func(ctx context.Context) error {
		r, err := u.extractors.Synthetic.DetectSynthetic(ctx, img)
		f.synthetic = r
		return err
	}, func(err error) { f.syntheticErr = err })

	u.submit(ctx, g, "presence", func(ctx context.Context) error {
		r, err := u.extractors.Presence.DetectPresence(ctx, img)
		f.presence = r
		return err
	}, func(err error) { f.presenceErr = err })

	if withEmbedding {
		u.submit(ctx, g, "embedding", func(ctx context.Context) error {
			v, err := u.extractors.Embedder.Embed(ctx, img)
			f.embedding = v
			return err
		}, func(err error) { f.embeddingErr = err })
	}

	g.Wait()
	f.degrade(ctx, img.Source)
	return f
}

// submit runs fn with its own timeout. A timeout fails that feature only.
func (u *UseCase) submit(ctx context.Context, g *workerpool.Group, name string, fn func(ctx context.Context) error, done func(error)) {
	g.Go(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, u.extractTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			return goerr.Wrap(err, "feature extraction failed", goerr.V("feature", name))
		}
		return nil
	}, done)
}

// degrade applies the per-feature failure rules: a missing hash is absent, a
// failed synthetic detector passes with the error recorded and a failed
// presence detector reads as not detected
func (f *features) degrade(ctx context.Context, source string) {
	logger := logging.From(ctx)

	if f.hashErr != nil {
		logger.Warn("perceptual hash unavailable", "source", source, "error", f.hashErr)
		f.hash = ""
	}

	if f.syntheticErr != nil || f.synthetic == nil {
		err := f.syntheticErr
		if err == nil {
			err = goerr.New("synthetic detector returned no result")
		}
		logger.Warn("synthetic detection unavailable", "source", source, "error", err)
		f.synthetic = &model.SyntheticDetectionResult{
			Scores: map[string]float64{},
			Errors: map[string]string{"detector": err.Error()},
		}
	}

	if f.presenceErr != nil || f.presence == nil {
		err := f.presenceErr
		if err == nil {
			err = goerr.New("presence detector returned no result")
		}
		logger.Warn("presence detection unavailable", "source", source, "error", err)
		f.presence = &model.PresenceResult{
			Method: model.PresenceMethodNone,
			Error:  err.Error(),
		}
	}
}
