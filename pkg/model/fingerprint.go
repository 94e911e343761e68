package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidStatus = goerr.New("invalid fingerprint status")
)

type FingerprintID string

// NewFingerprintID generates a new unique FingerprintID
func NewFingerprintID() FingerprintID {
	return FingerprintID(uuid.New().String())
}

type Status string

const (
	StatusActive   Status = "active"
	StatusDeleted  Status = "deleted"
	StatusArchived Status = "archived"
)

// Validate checks if the status is valid
func (s Status) Validate() error {
	switch s {
	case StatusActive, StatusDeleted, StatusArchived:
		return nil
	default:
		return goerr.Wrap(ErrInvalidStatus, "unknown status", goerr.V("status", s))
	}
}

// ImageFingerprint is the persisted record of an approved image. It is created
// once per approved submission and afterwards only its Status changes.
type ImageFingerprint struct {
	ID             FingerprintID `json:"id"`
	UserID         string        `json:"user_id"`
	MissionID      string        `json:"mission_id"`
	Source         string        `json:"source"`
	PerceptualHash string        `json:"perceptual_hash"`
	Embedding      []float32     `json:"embedding,omitempty"`

	Synthetic *SyntheticDetectionResult `json:"synthetic_detection,omitempty"`
	Presence  *PresenceResult           `json:"presence_detection,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
}

// Validate checks required fields of a fingerprint before it is persisted
func (f *ImageFingerprint) Validate() error {
	if f.ID == "" {
		return goerr.New("fingerprint id is empty")
	}
	if f.UserID == "" {
		return goerr.New("fingerprint user id is empty", goerr.V("id", f.ID))
	}
	return f.Status.Validate()
}

// Clone returns a deep copy. History snapshots hand out clones so that
// comparisons never write through to the stored record.
func (f *ImageFingerprint) Clone() *ImageFingerprint {
	if f == nil {
		return nil
	}
	c := *f
	if f.Embedding != nil {
		c.Embedding = append([]float32(nil), f.Embedding...)
	}
	c.Synthetic = f.Synthetic.Clone()
	c.Presence = f.Presence.Clone()
	return &c
}

// HistorySnapshot is the newest-first, bounded list of a user's active
// fingerprints read once per pipeline invocation.
type HistorySnapshot []*ImageFingerprint

// Clone deep-copies every record of the snapshot
func (h HistorySnapshot) Clone() HistorySnapshot {
	if h == nil {
		return nil
	}
	out := make(HistorySnapshot, len(h))
	for i, f := range h {
		out[i] = f.Clone()
	}
	return out
}
