package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore implements Repository on a Firestore collection. Listing requires
// the composite index (user_id ASC, status ASC, created_at DESC).
type Firestore struct {
	client *firestore.Client
}

// fingerprintDoc is the stored layout. Embeddings are written as Firestore
// vectors.
type fingerprintDoc struct {
	ID             string                          `firestore:"id"`
	UserID         string                          `firestore:"user_id"`
	MissionID      string                          `firestore:"mission_id"`
	Source         string                          `firestore:"source"`
	PerceptualHash string                          `firestore:"perceptual_hash"`
	Embedding      firestore.Vector32              `firestore:"embedding,omitempty"`
	Synthetic      *model.SyntheticDetectionResult `firestore:"synthetic_detection,omitempty"`
	Presence       *model.PresenceResult           `firestore:"presence_detection,omitempty"`
	CreatedAt      time.Time                       `firestore:"created_at"`
	Status         string                          `firestore:"status"`
}

func toDoc(fp *model.ImageFingerprint) *fingerprintDoc {
	doc := &fingerprintDoc{
		ID:             string(fp.ID),
		UserID:         fp.UserID,
		MissionID:      fp.MissionID,
		Source:         fp.Source,
		PerceptualHash: fp.PerceptualHash,
		Synthetic:      fp.Synthetic,
		Presence:       fp.Presence,
		CreatedAt:      fp.CreatedAt,
		Status:         string(fp.Status),
	}
	if len(fp.Embedding) > 0 {
		doc.Embedding = firestore.Vector32(append([]float32(nil), fp.Embedding...))
	}
	return doc
}

func (d *fingerprintDoc) toModel() *model.ImageFingerprint {
	fp := &model.ImageFingerprint{
		ID:             model.FingerprintID(d.ID),
		UserID:         d.UserID,
		MissionID:      d.MissionID,
		Source:         d.Source,
		PerceptualHash: d.PerceptualHash,
		Synthetic:      d.Synthetic,
		Presence:       d.Presence,
		CreatedAt:      d.CreatedAt,
		Status:         model.Status(d.Status),
	}
	if len(d.Embedding) > 0 {
		fp.Embedding = []float32(d.Embedding)
	}
	return fp
}

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	return &Firestore{client: client}, nil
}

func (r *Firestore) PutFingerprint(ctx context.Context, fp *model.ImageFingerprint) error {
	if err := fp.Validate(); err != nil {
		return goerr.Wrap(err, "invalid fingerprint")
	}

	if _, err := r.client.Collection(collectionFingerprints).Doc(string(fp.ID)).Create(ctx, toDoc(fp)); err != nil {
		return goerr.Wrap(err, "failed to put fingerprint", goerr.V("id", fp.ID))
	}
	return nil
}

func (r *Firestore) GetFingerprint(ctx context.Context, id model.FingerprintID) (*model.ImageFingerprint, error) {
	snap, err := r.client.Collection(collectionFingerprints).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "no such fingerprint", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get fingerprint", goerr.V("id", id))
	}

	var doc fingerprintDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode fingerprint", goerr.V("id", id))
	}
	return doc.toModel(), nil
}

func (r *Firestore) ListActiveFingerprints(ctx context.Context, userID string, limit int) (model.HistorySnapshot, error) {
	query := r.client.Collection(collectionFingerprints).
		Where("user_id", "==", userID).
		Where("status", "==", string(model.StatusActive)).
		OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var results model.HistorySnapshot
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate fingerprints", goerr.V("user_id", userID))
		}

		var doc fingerprintDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode fingerprint", goerr.V("doc_id", snap.Ref.ID))
		}
		results = append(results, doc.toModel())
	}

	return results, nil
}

func (r *Firestore) UpdateStatus(ctx context.Context, id model.FingerprintID, st model.Status) error {
	if err := st.Validate(); err != nil {
		return err
	}

	_, err := r.client.Collection(collectionFingerprints).Doc(string(id)).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(st)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(ErrNotFound, "no such fingerprint", goerr.V("id", id))
		}
		return goerr.Wrap(err, "failed to update fingerprint status", goerr.V("id", id), goerr.V("status", st))
	}
	return nil
}

// Ping reads a single document to verify the connection
func (r *Firestore) Ping(ctx context.Context) error {
	iter := r.client.Collection(collectionFingerprints).Limit(1).Documents(ctx)
	defer iter.Stop()

	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return goerr.Wrap(err, "failed to reach firestore")
	}
	return nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}
