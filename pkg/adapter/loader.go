package adapter

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"

	_ "golang.org/x/image/webp"
)

var (
	ErrImageFetch   = goerr.New("failed to fetch image")
	ErrInvalidImage = goerr.New("failed to decode image")
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxImageSize = 20 << 20
)

// Loader reads images from HTTP(S) URLs or local paths and decodes them
type Loader struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

type LoaderOption func(*Loader)

func WithFetchTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.timeout = d
	}
}

func WithMaxImageSize(n int64) LoaderOption {
	return func(l *Loader) {
		l.maxBytes = n
	}
}

func WithLoaderHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.client = client
	}
}

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		client:   http.DefaultClient,
		timeout:  DefaultFetchTimeout,
		maxBytes: DefaultMaxImageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves ref as a URL when it has an http(s) scheme, otherwise as a
// local file path
func (l *Loader) Load(ctx context.Context, ref string) (*model.Image, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		data, err := l.fetch(ctx, ref)
		if err != nil {
			return nil, err
		}
		return Decode(ref, data)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, goerr.Wrap(ErrImageFetch, "failed to read image file", goerr.V("path", ref), goerr.V("cause", err.Error()))
	}
	return Decode(ref, data)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, goerr.Wrap(ErrImageFetch, "invalid image url", goerr.V("url", url), goerr.V("cause", err.Error()))
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(ErrImageFetch, "request failed", goerr.V("url", url), goerr.V("cause", err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, goerr.Wrap(ErrImageFetch, "unexpected status", goerr.V("url", url), goerr.V("status", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, goerr.Wrap(ErrImageFetch, "failed to read body", goerr.V("url", url), goerr.V("cause", err.Error()))
	}
	if int64(len(data)) > l.maxBytes {
		return nil, goerr.Wrap(ErrImageFetch, "image too large", goerr.V("url", url), goerr.V("max_bytes", l.maxBytes))
	}
	return data, nil
}

// Decode builds an Image from encoded bytes. The MIME type comes from the
// detected format, not from any transport header.
func Decode(source string, data []byte) (*model.Image, error) {
	if len(data) == 0 {
		return nil, goerr.Wrap(ErrInvalidImage, "empty image", goerr.V("source", source))
	}

	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidImage, "unsupported or broken image", goerr.V("source", source), goerr.V("cause", err.Error()))
	}

	return &model.Image{
		Source:   source,
		Data:     data,
		MIMEType: "image/" + format,
		Decoded:  decoded,
	}, nil
}
