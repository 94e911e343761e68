package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/dedup"
	"github.com/m-mizutani/proofgate/pkg/interfaces"
	"github.com/m-mizutani/proofgate/pkg/model"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

const (
	DefaultDescribeConcurrency = 4
	// MaxEmbedBatch is the largest number of texts sent in one EmbedContent
	// request
	MaxEmbedBatch = 100
)

// GenAI is the subset of genai.Models used by Gemini
type GenAI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Gemini embeds images by describing them with the generative model and
// embedding the description. It also serves as the "vision" synthetic
// detection method.
type Gemini struct {
	models          GenAI
	generativeModel string
	embeddingModel  string
	dimension       int32

	describeConcurrency int
	describeTimeout     time.Duration
}

type GeminiOption func(*Gemini)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimension truncates embeddings to dim values. Every stored
// fingerprint must use the same dimension.
func WithEmbeddingDimension(dim int32) GeminiOption {
	return func(g *Gemini) {
		g.dimension = dim
	}
}

// WithDescribeConcurrency bounds the describe calls of one batch running at
// the same time
func WithDescribeConcurrency(n int) GeminiOption {
	return func(g *Gemini) {
		g.describeConcurrency = n
	}
}

// WithDescribeTimeout limits each describe call. Zero means no limit other
// than the caller's context.
func WithDescribeTimeout(d time.Duration) GeminiOption {
	return func(g *Gemini) {
		g.describeTimeout = d
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	return NewGeminiWithModels(client.Models, opts...), nil
}

// NewGeminiWithModels builds a Gemini adapter over an existing GenAI
// implementation
func NewGeminiWithModels(models GenAI, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		models:          models,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
		dimension:       768,

		describeConcurrency: DefaultDescribeConcurrency,
	}

	for _, opt := range opts {
		opt(g)
	}
	return g
}

const describePrompt = `Describe this photo for near-duplicate search. List the scene, the main objects with their colors and positions, the background, the camera angle and the lighting. Use plain sentences, no opinions, at most 120 words.`

func imageContent(img *model.Image, prompt string) []*genai.Content {
	return []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(img.Data, img.MIMEType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
}

func (g *Gemini) describe(ctx context.Context, img *model.Image) (string, error) {
	if img == nil || len(img.Data) == 0 {
		return "", goerr.New("image has no data")
	}

	if g.describeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.describeTimeout)
		defer cancel()
	}

	resp, err := g.models.GenerateContent(ctx, g.generativeModel, imageContent(img, describePrompt), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to describe image", goerr.V("source", img.Source))
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", goerr.New("empty image description", goerr.V("source", img.Source))
	}
	return text, nil
}

// Embed returns the L2-normalized embedding of one image
func (g *Gemini) Embed(ctx context.Context, img *model.Image) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []*model.Image{img})
	if err != nil {
		var partial *interfaces.EmbedBatchError
		if errors.As(err, &partial) {
			return nil, partial.Failed[0]
		}
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch describes the images concurrently and embeds the descriptions in
// as few EmbedContent calls as possible. The result is index-aligned with
// imgs. Images whose description failed get a nil vector and are reported in
// an *interfaces.EmbedBatchError.
func (g *Gemini) EmbedBatch(ctx context.Context, imgs []*model.Image) ([][]float32, error) {
	if len(imgs) == 0 {
		return nil, nil
	}

	descs := make([]string, len(imgs))
	var (
		mu     sync.Mutex
		failed = map[int]error{}
	)

	var eg errgroup.Group
	if g.describeConcurrency > 0 {
		eg.SetLimit(g.describeConcurrency)
	}
	for i, img := range imgs {
		eg.Go(func() error {
			desc, err := g.describe(ctx, img)
			if err != nil {
				mu.Lock()
				failed[i] = err
				mu.Unlock()
				return nil
			}
			descs[i] = desc
			return nil
		})
	}
	_ = eg.Wait()

	var idx []int
	for i := range imgs {
		if _, bad := failed[i]; !bad {
			idx = append(idx, i)
		}
	}

	out := make([][]float32, len(imgs))
	for start := 0; start < len(idx); start += MaxEmbedBatch {
		end := min(start+MaxEmbedBatch, len(idx))
		if err := g.embedTexts(ctx, descs, idx[start:end], out); err != nil {
			return nil, err
		}
	}

	if len(failed) > 0 {
		return out, &interfaces.EmbedBatchError{Failed: failed}
	}
	return out, nil
}

// embedTexts embeds descs[i] for every i in idx and stores the vectors in out
func (g *Gemini) embedTexts(ctx context.Context, descs []string, idx []int, out [][]float32) error {
	contents := make([]*genai.Content, 0, len(idx))
	for _, i := range idx {
		contents = append(contents, genai.NewContentFromText(descs[i], genai.RoleUser))
	}

	cfg := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if g.dimension > 0 {
		cfg.OutputDimensionality = genai.Ptr(g.dimension)
	}

	resp, err := g.models.EmbedContent(ctx, g.embeddingModel, contents, cfg)
	if err != nil {
		return goerr.Wrap(err, "failed to embed content", goerr.V("count", len(idx)))
	}
	if len(resp.Embeddings) != len(idx) {
		return goerr.New("embedding count mismatch",
			goerr.V("expected", len(idx)),
			goerr.V("actual", len(resp.Embeddings)))
	}

	for n, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return goerr.New("empty embedding", goerr.V("index", idx[n]))
		}
		out[idx[n]] = dedup.Normalize(e.Values)
	}
	return nil
}

// GeminiVision scores how likely an image is computer generated
type GeminiVision struct {
	gemini *Gemini
}

// Vision returns the synthetic detection method backed by this client
func (g *Gemini) Vision() *GeminiVision {
	return &GeminiVision{gemini: g}
}

const MethodVision = "vision"

const classifyPrompt = `You are an image forensics classifier. Estimate the probability that this image was generated or substantially edited by an AI model rather than captured by a camera. Respond with JSON {"synthetic_probability": <number between 0 and 1>, "reason": "<short reason>"}.`

type classifyResponse struct {
	SyntheticProbability *float64 `json:"synthetic_probability"`
	Reason               string   `json:"reason"`
}

func (v *GeminiVision) Name() string { return MethodVision }

func (v *GeminiVision) Score(ctx context.Context, img *model.Image) (float64, error) {
	if img == nil || len(img.Data) == 0 {
		return 0, goerr.New("image has no data")
	}

	g := v.gemini
	resp, err := g.models.GenerateContent(ctx, g.generativeModel, imageContent(img, classifyPrompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to classify image", goerr.V("source", img.Source))
	}

	raw := strings.TrimSpace(resp.Text())
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "```json"), "```")

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return 0, goerr.Wrap(err, "failed to parse classification", goerr.V("response", raw))
	}
	if parsed.SyntheticProbability == nil {
		return 0, goerr.New("classification has no probability", goerr.V("response", raw))
	}

	return *parsed.SyntheticProbability, nil
}
