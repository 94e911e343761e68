package repository

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

var ErrNotFound = goerr.New("fingerprint not found")

// Repository persists image fingerprints. Records are appended once and only
// their status changes afterwards.
type Repository interface {
	// PutFingerprint saves a new fingerprint
	PutFingerprint(ctx context.Context, fp *model.ImageFingerprint) error

	// GetFingerprint retrieves a fingerprint by ID. It returns ErrNotFound when
	// no record exists.
	GetFingerprint(ctx context.Context, id model.FingerprintID) (*model.ImageFingerprint, error)

	// ListActiveFingerprints returns up to limit active fingerprints of the
	// user, newest first
	ListActiveFingerprints(ctx context.Context, userID string, limit int) (model.HistorySnapshot, error)

	// UpdateStatus changes the status of a fingerprint. It returns ErrNotFound
	// when no record exists.
	UpdateStatus(ctx context.Context, id model.FingerprintID, status model.Status) error

	// Ping checks connectivity to the backing store
	Ping(ctx context.Context) error

	// Close releases the backing store
	Close() error
}

const collectionFingerprints = "fingerprints"
