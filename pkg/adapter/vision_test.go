package adapter_test

import (
	"context"
	"testing"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/proofgate/pkg/adapter"
	"github.com/m-mizutani/proofgate/pkg/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func annotateWith(resp *visionpb.AnnotateImageResponse) adapter.AnnotateFunc {
	return func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
		return &visionpb.BatchAnnotateImagesResponse{
			Responses: []*visionpb.AnnotateImageResponse{resp},
		}, nil
	}
}

func TestVisionDetectPresence(t *testing.T) {
	ctx := context.Background()

	t.Run("object localization wins", func(t *testing.T) {
		v := adapter.NewVisionWithAnnotator(annotateWith(&visionpb.AnnotateImageResponse{
			LocalizedObjectAnnotations: []*visionpb.LocalizedObjectAnnotation{
				{Name: "Person", Score: 0.9},
				{Name: "Waste container", Score: 0.71},
			},
			LabelAnnotations: []*visionpb.EntityAnnotation{
				{Description: "Garbage", Score: 0.95},
			},
		}))

		r, err := v.DetectPresence(ctx, testImage())
		gt.NoError(t, err)
		gt.True(t, r.Detected)
		gt.Equal(t, r.Method, model.PresenceMethodObject)
		gt.Equal(t, r.Label, "Waste container")
		gt.Number(t, r.Confidence).Greater(0.7)
	})

	t.Run("label fallback", func(t *testing.T) {
		v := adapter.NewVisionWithAnnotator(annotateWith(&visionpb.AnnotateImageResponse{
			LocalizedObjectAnnotations: []*visionpb.LocalizedObjectAnnotation{
				{Name: "Waste container", Score: 0.2},
			},
			LabelAnnotations: []*visionpb.EntityAnnotation{
				{Description: "Recycling bin", Score: 0.4},
			},
		}))

		r, err := v.DetectPresence(ctx, testImage())
		gt.NoError(t, err)
		gt.True(t, r.Detected)
		gt.Equal(t, r.Method, model.PresenceMethodLabel)
		gt.Equal(t, r.Label, "Recycling bin")
	})

	t.Run("nothing relevant", func(t *testing.T) {
		v := adapter.NewVisionWithAnnotator(annotateWith(&visionpb.AnnotateImageResponse{
			LabelAnnotations: []*visionpb.EntityAnnotation{
				{Description: "Sky", Score: 0.99},
			},
		}))

		r, err := v.DetectPresence(ctx, testImage())
		gt.NoError(t, err)
		gt.False(t, r.Detected)
		gt.Equal(t, r.Method, model.PresenceMethodNone)
	})

	t.Run("label inside another word", func(t *testing.T) {
		for _, name := range []string{"Cabinetry", "Cabinet", "Robin", "Binoculars", "Combine harvester"} {
			v := adapter.NewVisionWithAnnotator(annotateWith(&visionpb.AnnotateImageResponse{
				LocalizedObjectAnnotations: []*visionpb.LocalizedObjectAnnotation{
					{Name: name, Score: 0.88},
				},
				LabelAnnotations: []*visionpb.EntityAnnotation{
					{Description: name, Score: 0.88},
				},
			}))

			r, err := v.DetectPresence(ctx, testImage())
			gt.NoError(t, err)
			gt.False(t, r.Detected)
			gt.Equal(t, len(r.Details), 0)
		}
	})

	t.Run("whole words", func(t *testing.T) {
		for _, name := range []string{"Bin", "Wheelie-bin", "Kitchen waste container"} {
			v := adapter.NewVisionWithAnnotator(annotateWith(&visionpb.AnnotateImageResponse{
				LabelAnnotations: []*visionpb.EntityAnnotation{
					{Description: name, Score: 0.6},
				},
			}))

			r, err := v.DetectPresence(ctx, testImage())
			gt.NoError(t, err)
			gt.True(t, r.Detected)
		}
	})

	t.Run("custom labels", func(t *testing.T) {
		v := adapter.NewVisionWithAnnotator(annotateWith(&visionpb.AnnotateImageResponse{
			LocalizedObjectAnnotations: []*visionpb.LocalizedObjectAnnotation{
				{Name: "Bicycle", Score: 0.8},
			},
		}), adapter.WithPresenceLabels("Bicycle", " "))

		r, err := v.DetectPresence(ctx, testImage())
		gt.NoError(t, err)
		gt.True(t, r.Detected)
	})

	t.Run("annotation error", func(t *testing.T) {
		v := adapter.NewVisionWithAnnotator(annotateWith(&visionpb.AnnotateImageResponse{
			Error: status.New(codes.InvalidArgument, "bad image").Proto(),
		}))
		_, err := v.DetectPresence(ctx, testImage())
		gt.Error(t, err)
	})

	t.Run("call error", func(t *testing.T) {
		v := adapter.NewVisionWithAnnotator(func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
			return nil, goerr.New("unavailable")
		})
		_, err := v.DetectPresence(ctx, testImage())
		gt.Error(t, err)
	})
}
