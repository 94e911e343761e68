package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

// FaceVerifier calls a face verification service that accepts two images as
// multipart fields image1 and image2 and answers with
// {"verified", "distance", "threshold"} or {"error"}.
type FaceVerifier struct {
	endpoint string
	client   *http.Client
}

type FaceVerifierOption func(*FaceVerifier)

func WithFaceHTTPClient(client *http.Client) FaceVerifierOption {
	return func(f *FaceVerifier) {
		f.client = client
	}
}

func NewFaceVerifier(endpoint string, opts ...FaceVerifierOption) *FaceVerifier {
	f := &FaceVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type faceVerifyResponse struct {
	Verified  bool    `json:"verified"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
	Error     string  `json:"error"`
}

func (f *FaceVerifier) MatchFaces(ctx context.Context, probePath, referencePath string) (*model.FaceMatchResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for field, path := range map[string]string{"image1": probePath, "image2": referencePath} {
		if err := attachFile(w, field, path); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, goerr.Wrap(err, "failed to finish multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, &body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create face verify request", goerr.V("endpoint", f.endpoint))
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to call face verifier", goerr.V("endpoint", f.endpoint))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read face verify response")
	}

	var parsed faceVerifyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, goerr.Wrap(err, "failed to parse face verify response",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(raw)))
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return nil, goerr.New("face verifier returned an error",
			goerr.V("status", resp.StatusCode),
			goerr.V("error", parsed.Error))
	}

	return &model.FaceMatchResult{
		Verified:  parsed.Verified,
		Distance:  parsed.Distance,
		Threshold: parsed.Threshold,
	}, nil
}

func attachFile(w *multipart.Writer, field, path string) error {
	fd, err := os.Open(path)
	if err != nil {
		return goerr.Wrap(err, "failed to open staged image", goerr.V("path", path))
	}
	defer fd.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return goerr.Wrap(err, "failed to create form file", goerr.V("field", field))
	}
	if _, err := io.Copy(part, fd); err != nil {
		return goerr.Wrap(err, "failed to copy staged image", goerr.V("path", path))
	}
	return nil
}
