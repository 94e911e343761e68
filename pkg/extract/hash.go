package extract

import (
	"context"
	"fmt"

	"github.com/corona10/goimagehash"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

var ErrNotDecoded = goerr.New("image is not decoded")

// PerceptionHasher computes the 64-bit DCT perceptual hash
type PerceptionHasher struct{}

func NewPerceptionHasher() *PerceptionHasher {
	return &PerceptionHasher{}
}

// PerceptualHash returns the hash as 16 lowercase hex characters
func (h *PerceptionHasher) PerceptualHash(ctx context.Context, img *model.Image) (string, error) {
	if img == nil || img.Decoded == nil {
		return "", ErrNotDecoded
	}

	hash, err := goimagehash.PerceptionHash(img.Decoded)
	if err != nil {
		return "", goerr.Wrap(err, "failed to compute perceptual hash", goerr.V("source", img.Source))
	}

	return fmt.Sprintf("%016x", hash.GetHash()), nil
}
