package admission_test

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/idempotency"
	"github.com/m-mizutani/proofgate/pkg/interfaces"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/repository"
	"github.com/m-mizutani/proofgate/pkg/usecase/admission"
)

// fixture describes what the fake extractors report for one image source
type fixture struct {
	hash      string
	embedding []float32
	synthetic float64
	detected  bool

	hashErr      error
	embedErr     error
	syntheticErr error
	presenceErr  error
	hashBlocks   bool
}

type fakeExtractors struct {
	fixtures map[string]*fixture

	embedCalls      atomic.Int32
	embedBatchCalls atomic.Int32
	embedBatchErr   error
	embedBatchDelay time.Duration
}

func newFakeExtractors() *fakeExtractors {
	return &fakeExtractors{fixtures: map[string]*fixture{}}
}

func (f *fakeExtractors) add(source string, fx *fixture) *model.Image {
	f.fixtures[source] = fx
	return &model.Image{Source: source, Data: []byte("data:" + source), MIMEType: "image/png"}
}

func (f *fakeExtractors) get(img *model.Image) *fixture {
	if fx, ok := f.fixtures[img.Source]; ok {
		return fx
	}
	return &fixture{}
}

func (f *fakeExtractors) extractors() admission.Extractors {
	return admission.Extractors{
		Hasher:    f,
		Embedder:  f,
		Synthetic: f,
		Presence:  f,
	}
}

func (f *fakeExtractors) PerceptualHash(ctx context.Context, img *model.Image) (string, error) {
	fx := f.get(img)
	if fx.hashBlocks {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return fx.hash, fx.hashErr
}

func (f *fakeExtractors) Embed(ctx context.Context, img *model.Image) ([]float32, error) {
	f.embedCalls.Add(1)
	fx := f.get(img)
	return fx.embedding, fx.embedErr
}

func (f *fakeExtractors) EmbedBatch(ctx context.Context, imgs []*model.Image) ([][]float32, error) {
	f.embedBatchCalls.Add(1)
	if f.embedBatchErr != nil {
		return nil, f.embedBatchErr
	}
	if f.embedBatchDelay > 0 {
		select {
		case <-time.After(f.embedBatchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([][]float32, len(imgs))
	failed := map[int]error{}
	for i, img := range imgs {
		fx := f.get(img)
		if fx.embedErr != nil {
			failed[i] = fx.embedErr
			continue
		}
		out[i] = fx.embedding
	}
	if len(failed) > 0 {
		return out, &interfaces.EmbedBatchError{Failed: failed}
	}
	return out, nil
}

func (f *fakeExtractors) DetectSynthetic(ctx context.Context, img *model.Image) (*model.SyntheticDetectionResult, error) {
	fx := f.get(img)
	if fx.syntheticErr != nil {
		return nil, fx.syntheticErr
	}
	return &model.SyntheticDetectionResult{
		IsSynthetic: fx.synthetic > 0.5,
		Confidence:  fx.synthetic,
		Scores:      map[string]float64{"fake": fx.synthetic},
		MethodsUsed: []string{"fake"},
	}, nil
}

func (f *fakeExtractors) DetectPresence(ctx context.Context, img *model.Image) (*model.PresenceResult, error) {
	fx := f.get(img)
	if fx.presenceErr != nil {
		return nil, fx.presenceErr
	}
	r := &model.PresenceResult{Detected: fx.detected, Method: model.PresenceMethodNone}
	if fx.detected {
		r.Confidence = 0.8
		r.Method = model.PresenceMethodObject
		r.Label = "Waste container"
	}
	return r, nil
}

// fakeLoader resolves sources registered in fakeExtractors
type fakeLoader struct {
	ext    *fakeExtractors
	failed map[string]bool
}

func (l *fakeLoader) Load(ctx context.Context, ref string) (*model.Image, error) {
	if l.failed[ref] {
		return nil, goerr.New("connection refused", goerr.V("ref", ref))
	}
	return &model.Image{Source: ref, Data: []byte("data:" + ref), MIMEType: "image/png"}, nil
}

type faceResult struct {
	verified bool
	err      error
}

// fakeFaces records the staged paths it was given and whether they existed
type fakeFaces struct {
	result faceResult

	mu      sync.Mutex
	paths   []string
	existed bool
	blobs   []string
}

func (f *fakeFaces) MatchFaces(ctx context.Context, probePath, referencePath string) (*model.FaceMatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths = []string{probePath, referencePath}
	f.existed = true
	f.blobs = nil
	for _, p := range f.paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			f.existed = false
			continue
		}
		f.blobs = append(f.blobs, string(raw))
	}

	if f.result.err != nil {
		return nil, f.result.err
	}
	return &model.FaceMatchResult{Verified: f.result.verified, Distance: 0.3, Threshold: 0.4}, nil
}

// failingRepo wraps Memory and injects store failures
type failingRepo struct {
	*repository.Memory
	putErr  error
	listErr error
	puts    atomic.Int32
}

func (r *failingRepo) PutFingerprint(ctx context.Context, fp *model.ImageFingerprint) error {
	r.puts.Add(1)
	if r.putErr != nil {
		return r.putErr
	}
	return r.Memory.PutFingerprint(ctx, fp)
}

func (r *failingRepo) ListActiveFingerprints(ctx context.Context, userID string, limit int) (model.HistorySnapshot, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Memory.ListActiveFingerprints(ctx, userID, limit)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (a *fakeAudit) RecordDecision(ctx context.Context, entry *model.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

// fakeStorage is an in-memory archive
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

type fakeWriter struct {
	s   *fakeStorage
	key string
	buf strings.Builder
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeWriter) Close() error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.s.objects[w.key] = w.buf.String()
	return nil
}

func (s *fakeStorage) Put(ctx context.Context, key, contentType string) (io.WriteCloser, error) {
	return &fakeWriter{s: s, key: key}, nil
}

func (s *fakeStorage) URI(key string) string { return "gs://archive/" + key }

// flakyGuard fails the first completeFailures Complete calls
type flakyGuard struct {
	*idempotency.Memory
	completeFailures int32
	completes        atomic.Int32
}

func (g *flakyGuard) Complete(ctx context.Context, userID, key string, decision *model.Decision) error {
	if g.completes.Add(1) <= g.completeFailures {
		return goerr.New("redis: connection reset")
	}
	return g.Memory.Complete(ctx, userID, key, decision)
}
