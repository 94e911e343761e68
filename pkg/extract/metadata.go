package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bep/imagemeta"
	"github.com/m-mizutani/proofgate/pkg/model"
)

const MethodMetadata = "metadata"

// Scores returned by the metadata method
const (
	metadataGenerator = 1.0
	metadataNeutral   = 0.5
	metadataCamera    = 0.1
)

// generatorMarkers are lowercase fragments that generation tools leave in
// Software, CreatorTool, DigitalSourceType and free-text fields.
var generatorMarkers = []string{
	"midjourney",
	"dall-e",
	"dall·e",
	"stable diffusion",
	"stablediffusion",
	"comfyui",
	"automatic1111",
	"novelai",
	"firefly",
	"imagen",
	"trainedalgorithmicmedia",
	"compositesynthetic",
	"ai generated",
	"ai-generated",
}

var cameraTags = map[string]bool{
	"Make":             true,
	"Model":            true,
	"LensModel":        true,
	"ExposureTime":     true,
	"FNumber":          true,
	"ISOSpeedRatings":  true,
	"DateTimeOriginal": true,
}

var metadataFormats = map[string]imagemeta.ImageFormat{
	"image/jpeg": imagemeta.JPEG,
	"image/png":  imagemeta.PNG,
	"image/webp": imagemeta.WebP,
	"image/tiff": imagemeta.TIFF,
}

// MetadataMethod inspects EXIF, IPTC and XMP tags for generator fingerprints
type MetadataMethod struct{}

func NewMetadataMethod() *MetadataMethod {
	return &MetadataMethod{}
}

func (m *MetadataMethod) Name() string { return MethodMetadata }

// Score returns 1.0 when a generator marker is present, 0.1 when the image
// carries camera capture tags and 0.5 when metadata says nothing either way.
func (m *MetadataMethod) Score(ctx context.Context, img *model.Image) (float64, error) {
	if img == nil || len(img.Data) == 0 {
		return metadataNeutral, nil
	}

	format, ok := metadataFormats[img.MIMEType]
	if !ok {
		return metadataNeutral, nil
	}

	var generator, camera bool
	_, err := imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(img.Data),
		ImageFormat: format,
		Sources:     imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		HandleTag: func(ti imagemeta.TagInfo) error {
			if cameraTags[ti.Tag] && ti.Source == imagemeta.EXIF {
				camera = true
			}
			if hasGeneratorMarker(tagValueString(ti.Value)) {
				generator = true
			}
			return nil
		},
	})

	// Files without a metadata segment fail to decode; that is not evidence.
	if err != nil && !generator && !camera {
		return metadataNeutral, nil
	}

	switch {
	case generator:
		return metadataGenerator, nil
	case camera:
		return metadataCamera, nil
	default:
		return metadataNeutral, nil
	}
}

func hasGeneratorMarker(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, marker := range generatorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	case []string:
		return strings.Join(val, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
