// Package admission decides whether a submitted image is admitted for a user.
// Features are extracted concurrently on a shared pool, then the gates run in
// a fixed order and the first rejection ends the submission. Approved images
// are persisted as fingerprints for future duplicate checks.
package admission

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/adapter"
	"github.com/m-mizutani/proofgate/pkg/dedup"
	"github.com/m-mizutani/proofgate/pkg/idempotency"
	"github.com/m-mizutani/proofgate/pkg/interfaces"
	"github.com/m-mizutani/proofgate/pkg/policy"
	"github.com/m-mizutani/proofgate/pkg/repository"
	"github.com/m-mizutani/proofgate/pkg/staging"
	"github.com/m-mizutani/proofgate/pkg/workerpool"
)

var (
	ErrMissingUserID = goerr.New("user_id is required")
	ErrMissingImage  = goerr.New("image is required")
	ErrExtraction    = goerr.New("required feature extraction failed")
	ErrHistory       = goerr.New("failed to read user history")
	ErrBatchTooLarge = goerr.New("too many images in batch")
)

const (
	DefaultSyntheticThreshold = 0.7
	DefaultHistoryLimit       = 100
	DefaultExtractTimeout     = 30 * time.Second
	DefaultMaxBatchSize       = 50
)

// IdentityErrorPolicy decides what a face matcher error means for the
// submission
type IdentityErrorPolicy string

const (
	// IdentityErrorAllow records the error and lets the submission continue
	IdentityErrorAllow IdentityErrorPolicy = "allow"
	// IdentityErrorReject rejects with face_mismatch and records the error
	IdentityErrorReject IdentityErrorPolicy = "reject"
)

func (p IdentityErrorPolicy) Validate() error {
	switch p {
	case IdentityErrorAllow, IdentityErrorReject:
		return nil
	default:
		return goerr.New("unknown identity error policy", goerr.V("policy", p))
	}
}

// Extractors bundles the required feature sources
type Extractors struct {
	Hasher    interfaces.Hasher
	Embedder  interfaces.Embedder
	Synthetic interfaces.SyntheticDetector
	Presence  interfaces.PresenceDetector
}

// UseCase provides admission operations
type UseCase struct {
	repo       repository.Repository
	extractors Extractors
	detector   *dedup.Detector

	faces   interfaces.FaceMatcher
	loader  interfaces.ImageLoader
	pool    *workerpool.Pool
	staging *staging.Area
	policy  *policy.Engine
	guard   idempotency.Guard
	archive adapter.Storage
	audit   interfaces.AuditSink

	syntheticThreshold float64
	historyLimit       int
	identityPolicy     IdentityErrorPolicy
	batchInternalDedup bool
	extractTimeout     time.Duration
	embedParallelism   int
	maxBatchSize       int
	now                func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithFaceMatcher enables the identity gate
func WithFaceMatcher(m interfaces.FaceMatcher) Option {
	return func(uc *UseCase) {
		uc.faces = m
	}
}

// WithLoader sets how image references are resolved
func WithLoader(l interfaces.ImageLoader) Option {
	return func(uc *UseCase) {
		uc.loader = l
	}
}

// WithPool shares a process-wide worker pool
func WithPool(p *workerpool.Pool) Option {
	return func(uc *UseCase) {
		uc.pool = p
	}
}

func WithStaging(a *staging.Area) Option {
	return func(uc *UseCase) {
		uc.staging = a
	}
}

// WithPolicy enables the review policy gate
func WithPolicy(e *policy.Engine) Option {
	return func(uc *UseCase) {
		uc.policy = e
	}
}

func WithIdempotency(g idempotency.Guard) Option {
	return func(uc *UseCase) {
		uc.guard = g
	}
}

// WithUploadArchive stores uploaded images that have no URL of their own
func WithUploadArchive(s adapter.Storage) Option {
	return func(uc *UseCase) {
		uc.archive = s
	}
}

func WithAuditSink(s interfaces.AuditSink) Option {
	return func(uc *UseCase) {
		uc.audit = s
	}
}

func WithDuplicateDetector(d *dedup.Detector) Option {
	return func(uc *UseCase) {
		uc.detector = d
	}
}

func WithSyntheticThreshold(th float64) Option {
	return func(uc *UseCase) {
		uc.syntheticThreshold = th
	}
}

func WithHistoryLimit(n int) Option {
	return func(uc *UseCase) {
		uc.historyLimit = n
	}
}

func WithIdentityErrorPolicy(p IdentityErrorPolicy) Option {
	return func(uc *UseCase) {
		uc.identityPolicy = p
	}
}

// WithBatchInternalDedup makes images approved earlier in a batch count as
// history for later images of the same batch
func WithBatchInternalDedup(enabled bool) Option {
	return func(uc *UseCase) {
		uc.batchInternalDedup = enabled
	}
}

func WithExtractTimeout(d time.Duration) Option {
	return func(uc *UseCase) {
		uc.extractTimeout = d
	}
}

// WithEmbedParallelism tells how many images the embedder processes at once.
// The batch embedding deadline grows with the number of rounds this implies.
func WithEmbedParallelism(n int) Option {
	return func(uc *UseCase) {
		uc.embedParallelism = n
	}
}

// WithMaxBatchSize bounds the number of items CheckBatch accepts
func WithMaxBatchSize(n int) Option {
	return func(uc *UseCase) {
		uc.maxBatchSize = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a new admission UseCase instance
func New(repo repository.Repository, extractors Extractors, opts ...Option) *UseCase {
	uc := &UseCase{
		repo:               repo,
		extractors:         extractors,
		detector:           dedup.New(),
		loader:             adapter.NewLoader(),
		staging:            staging.New(""),
		syntheticThreshold: DefaultSyntheticThreshold,
		historyLimit:       DefaultHistoryLimit,
		identityPolicy:     IdentityErrorAllow,
		extractTimeout:     DefaultExtractTimeout,
		embedParallelism:   adapter.DefaultDescribeConcurrency,
		maxBatchSize:       DefaultMaxBatchSize,
		now:                time.Now,
	}

	for _, opt := range opts {
		opt(uc)
	}

	if uc.pool == nil {
		uc.pool = workerpool.New(workerpool.DefaultSize)
	}

	return uc
}
