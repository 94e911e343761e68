package interfaces

import (
	"context"
	"fmt"
	"sort"

	"github.com/m-mizutani/proofgate/pkg/model"
)

// Hasher computes the perceptual hash of an image as a 16 character hex string
type Hasher interface {
	PerceptualHash(ctx context.Context, img *model.Image) (string, error)
}

// Embedder produces L2-normalized embedding vectors of a fixed dimension
type Embedder interface {
	// Embed returns the embedding of a single image
	Embed(ctx context.Context, img *model.Image) ([]float32, error)

	// EmbedBatch returns one embedding per image, in input order. When only
	// some images fail it returns the other vectors together with an
	// *EmbedBatchError; the failed indexes have nil vectors.
	EmbedBatch(ctx context.Context, imgs []*model.Image) ([][]float32, error)
}

// EmbedBatchError lists the images of a batch that could not be embedded,
// keyed by input index
type EmbedBatchError struct {
	Failed map[int]error
}

func (e *EmbedBatchError) Error() string {
	idx := make([]int, 0, len(e.Failed))
	for i := range e.Failed {
		idx = append(idx, i)
	}
	if len(idx) == 0 {
		return "failed to embed batch"
	}
	sort.Ints(idx)
	return fmt.Sprintf("failed to embed %d image(s), first at index %d: %v", len(idx), idx[0], e.Failed[idx[0]])
}

// SyntheticDetector judges whether an image is computer generated
type SyntheticDetector interface {
	DetectSynthetic(ctx context.Context, img *model.Image) (*model.SyntheticDetectionResult, error)
}

// SyntheticMethod is one scoring method of the synthetic detection ensemble.
// Score returns a probability in [0, 1] that the image is synthetic.
type SyntheticMethod interface {
	Name() string
	Score(ctx context.Context, img *model.Image) (float64, error)
}

// PresenceDetector checks whether the required object appears in an image
type PresenceDetector interface {
	DetectPresence(ctx context.Context, img *model.Image) (*model.PresenceResult, error)
}

// FaceMatcher compares the face in a probe image with a reference image.
// Both arguments are paths of staged image files.
type FaceMatcher interface {
	MatchFaces(ctx context.Context, probePath, referencePath string) (*model.FaceMatchResult, error)
}

// ImageLoader resolves a submission reference (URL or local path) to an image
type ImageLoader interface {
	Load(ctx context.Context, ref string) (*model.Image, error)
}
