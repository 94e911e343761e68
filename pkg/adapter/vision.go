package adapter

import (
	"context"
	"slices"
	"strings"
	"unicode"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

// DefaultPresenceLabels are matched case-insensitively as whole words of
// object and label names. A multi-word label must appear as a contiguous run
// of words, so "bin" matches "Recycling bin" but not "Cabinet".
var DefaultPresenceLabels = []string{
	"waste container",
	"trash can",
	"garbage can",
	"recycling bin",
	"dustbin",
	"bin",
	"garbage",
	"waste",
}

const (
	DefaultObjectThreshold = 0.3
	DefaultLabelThreshold  = 0.25
)

// AnnotateFunc performs one Cloud Vision BatchAnnotateImages call
type AnnotateFunc func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error)

// Vision detects the required object with Cloud Vision. Object localization
// is consulted first; whole-image labels are the fallback.
type Vision struct {
	annotate        AnnotateFunc
	close           func() error
	labels          [][]string
	objectThreshold float64
	labelThreshold  float64
}

type VisionOption func(*Vision)

func WithPresenceLabels(labels ...string) VisionOption {
	return func(v *Vision) {
		v.labels = nil
		for _, l := range labels {
			if words := tokenize(l); len(words) > 0 {
				v.labels = append(v.labels, words)
			}
		}
	}
}

func WithObjectThreshold(th float64) VisionOption {
	return func(v *Vision) {
		v.objectThreshold = th
	}
}

func WithLabelThreshold(th float64) VisionOption {
	return func(v *Vision) {
		v.labelThreshold = th
	}
}

func NewVision(ctx context.Context, opts ...VisionOption) (*Vision, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create vision client")
	}

	v := NewVisionWithAnnotator(func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
		return client.BatchAnnotateImages(ctx, req)
	}, opts...)
	v.close = client.Close
	return v, nil
}

func NewVisionWithAnnotator(fn AnnotateFunc, opts ...VisionOption) *Vision {
	v := &Vision{
		annotate:        fn,
		close:           func() error { return nil },
		labels:          tokenizeAll(DefaultPresenceLabels),
		objectThreshold: DefaultObjectThreshold,
		labelThreshold:  DefaultLabelThreshold,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vision) Close() error {
	return v.close()
}

func (v *Vision) DetectPresence(ctx context.Context, img *model.Image) (*model.PresenceResult, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, goerr.New("image has no data")
	}

	resp, err := v.annotate(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: img.Data},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_OBJECT_LOCALIZATION, MaxResults: 20},
					{Type: visionpb.Feature_LABEL_DETECTION, MaxResults: 20},
				},
			},
		},
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to annotate image", goerr.V("source", img.Source))
	}
	if len(resp.GetResponses()) == 0 {
		return nil, goerr.New("empty annotation response", goerr.V("source", img.Source))
	}

	r := resp.GetResponses()[0]
	if e := r.GetError(); e != nil && e.GetMessage() != "" {
		return nil, goerr.New("vision annotation error", goerr.V("message", e.GetMessage()), goerr.V("code", e.GetCode()))
	}

	result := &model.PresenceResult{
		Method:  model.PresenceMethodNone,
		Details: map[string]float64{},
	}

	for _, obj := range r.GetLocalizedObjectAnnotations() {
		score := float64(obj.GetScore())
		if !v.matches(obj.GetName()) {
			continue
		}
		result.Details["object:"+obj.GetName()] = score
		if score > v.objectThreshold && score > result.Confidence {
			result.Detected = true
			result.Confidence = score
			result.Method = model.PresenceMethodObject
			result.Label = obj.GetName()
		}
	}
	if result.Detected {
		return result, nil
	}

	for _, label := range r.GetLabelAnnotations() {
		score := float64(label.GetScore())
		if !v.matches(label.GetDescription()) {
			continue
		}
		result.Details["label:"+label.GetDescription()] = score
		if score > v.labelThreshold && score > result.Confidence {
			result.Detected = true
			result.Confidence = score
			result.Method = model.PresenceMethodLabel
			result.Label = label.GetDescription()
		}
	}

	return result, nil
}

func (v *Vision) matches(name string) bool {
	words := tokenize(name)
	for _, l := range v.labels {
		if containsRun(words, l) {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenizeAll(labels []string) [][]string {
	out := make([][]string, 0, len(labels))
	for _, l := range labels {
		if words := tokenize(l); len(words) > 0 {
			out = append(out, words)
		}
	}
	return out
}

// containsRun reports whether run appears in words as consecutive elements
func containsRun(words, run []string) bool {
	for i := 0; i+len(run) <= len(words); i++ {
		if slices.Equal(words[i:i+len(run)], run) {
			return true
		}
	}
	return false
}
