// Package dedup decides whether a candidate image is a near duplicate of any
// record in a user's fingerprint history. A cheap perceptual hash comparison
// runs first; dense embedding similarity confirms the rest.
package dedup

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

const (
	DefaultHashThreshold      = 5
	DefaultEmbeddingThreshold = 0.93
)

var ErrDimensionMismatch = goerr.New("embedding dimension mismatch")

// Detector compares a candidate against history records. The zero value is
// not usable; create one with New.
type Detector struct {
	hashThreshold      int
	embeddingThreshold float64
}

type Option func(*Detector)

// WithHashThreshold sets the maximum Hamming distance treated as a duplicate
func WithHashThreshold(n int) Option {
	return func(d *Detector) {
		d.hashThreshold = n
	}
}

// WithEmbeddingThreshold sets the cosine similarity above which two
// embeddings are treated as duplicates
func WithEmbeddingThreshold(v float64) Option {
	return func(d *Detector) {
		d.embeddingThreshold = v
	}
}

func New(opts ...Option) *Detector {
	d := &Detector{
		hashThreshold:      DefaultHashThreshold,
		embeddingThreshold: DefaultEmbeddingThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Compare evaluates the candidate against one record. The returned verdict
// has IsDuplicate=false and Method=none when the record does not match or has
// no comparable field.
func (d *Detector) Compare(hash string, embedding []float32, record *model.ImageFingerprint) (*model.DuplicateVerdict, error) {
	if record == nil {
		return notDuplicate(), nil
	}

	if dist, ok := hashDistance(hash, record.PerceptualHash); ok && dist <= d.hashThreshold {
		return &model.DuplicateVerdict{
			IsDuplicate:   true,
			Method:        model.DuplicateMethodHash,
			Score:         float64(dist),
			MatchedID:     record.ID,
			MatchedSource: record.Source,
		}, nil
	}

	if len(embedding) == 0 || len(record.Embedding) == 0 {
		return notDuplicate(), nil
	}

	sim, ok, err := Cosine(embedding, record.Embedding)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to compare embeddings", goerr.V("record_id", record.ID))
	}
	if ok && sim > d.embeddingThreshold {
		return &model.DuplicateVerdict{
			IsDuplicate:   true,
			Method:        model.DuplicateMethodEmbedding,
			Score:         sim,
			MatchedID:     record.ID,
			MatchedSource: record.Source,
		}, nil
	}

	return notDuplicate(), nil
}

// Evaluate scans history newest-first and returns on the first duplicate.
func (d *Detector) Evaluate(hash string, embedding []float32, history model.HistorySnapshot) (*model.DuplicateVerdict, error) {
	for _, record := range history {
		verdict, err := d.Compare(hash, embedding, record)
		if err != nil {
			return nil, err
		}
		if verdict.IsDuplicate {
			return verdict, nil
		}
	}
	return notDuplicate(), nil
}

func notDuplicate() *model.DuplicateVerdict {
	return &model.DuplicateVerdict{
		IsDuplicate: false,
		Method:      model.DuplicateMethodNone,
	}
}
