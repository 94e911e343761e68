package model

import (
	"image"
	"strings"

	"github.com/google/uuid"
)

// Image is a loaded submission. Data keeps the raw bytes for extractors that
// need the encoded form (metadata, remote APIs); Decoded is shared read-only
// by pixel-based extractors.
type Image struct {
	Source   string
	Data     []byte
	MIMEType string
	Decoded  image.Image
}

// IsRemote reports whether the image was fetched from an HTTP(S) URL
func (img *Image) IsRemote() bool {
	return strings.HasPrefix(img.Source, "http://") || strings.HasPrefix(img.Source, "https://")
}

// NewUploadSource returns the opaque source identifier recorded for uploaded
// images that have no URL of their own.
func NewUploadSource() string {
	return "uploaded_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
