package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

// Memory is an in-process Repository. Records are cloned on the way in and
// out.
type Memory struct {
	mu      sync.RWMutex
	records map[model.FingerprintID]*memoryRecord
	seq     int
}

type memoryRecord struct {
	fp  *model.ImageFingerprint
	seq int
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[model.FingerprintID]*memoryRecord),
	}
}

func (r *Memory) PutFingerprint(ctx context.Context, fp *model.ImageFingerprint) error {
	if err := fp.Validate(); err != nil {
		return goerr.Wrap(err, "invalid fingerprint")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[fp.ID]; ok {
		return goerr.New("fingerprint already exists", goerr.V("id", fp.ID))
	}
	r.seq++
	r.records[fp.ID] = &memoryRecord{fp: fp.Clone(), seq: r.seq}
	return nil
}

func (r *Memory) GetFingerprint(ctx context.Context, id model.FingerprintID) (*model.ImageFingerprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "no such fingerprint", goerr.V("id", id))
	}
	return rec.fp.Clone(), nil
}

func (r *Memory) ListActiveFingerprints(ctx context.Context, userID string, limit int) (model.HistorySnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*memoryRecord
	for _, rec := range r.records {
		if rec.fp.UserID == userID && rec.fp.Status == model.StatusActive {
			matched = append(matched, rec)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.fp.CreatedAt.Equal(b.fp.CreatedAt) {
			return a.fp.CreatedAt.After(b.fp.CreatedAt)
		}
		return a.seq > b.seq
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	results := make(model.HistorySnapshot, 0, len(matched))
	for _, rec := range matched {
		results = append(results, rec.fp.Clone())
	}
	return results, nil
}

func (r *Memory) UpdateStatus(ctx context.Context, id model.FingerprintID, status model.Status) error {
	if err := status.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return goerr.Wrap(ErrNotFound, "no such fingerprint", goerr.V("id", id))
	}
	rec.fp.Status = status
	return nil
}

func (r *Memory) Ping(ctx context.Context) error { return nil }

func (r *Memory) Close() error { return nil }
