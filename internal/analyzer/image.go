package analyzer

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	// Frames wider than this are downscaled before upload; the service
	// does not need full resolution for OCR and event detection.
	maxUploadWidth = 1024

	uploadQuality = 80
)

// encodeFrame converts a decoded frame into the JPEG payload sent to the
// analysis service, downscaling oversized frames first.
func encodeFrame(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	if bounds.Dx() > maxUploadWidth {
		scale := float64(maxUploadWidth) / float64(bounds.Dx())
		h := int(float64(bounds.Dy()) * scale)
		dst := image.NewRGBA(image.Rect(0, 0, maxUploadWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: uploadQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
