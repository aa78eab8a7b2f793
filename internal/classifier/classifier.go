package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultConfidence is the minimum score a detection needs to be kept.
	DefaultConfidence  = 0.25
	DefaultJPEGQuality = 90
)

var ErrEmptyImage = errors.New("no image data provided")

// Classifier runs detection over thumbnails and renders the overlays. It holds
// no per-call state, so one value serves the whole process.
type Classifier struct {
	detector    Detector
	confidence  float64
	jpegQuality int
}

// New creates a classifier. Non-positive confidence or quality select the defaults.
func New(detector Detector, confidence float64, jpegQuality int) *Classifier {
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = DefaultJPEGQuality
	}
	return &Classifier{
		detector:    detector,
		confidence:  confidence,
		jpegQuality: jpegQuality,
	}
}

// Confidence returns the threshold in use.
func (c *Classifier) Confidence() float64 {
	return c.confidence
}

// Classify detects objects in imageData and returns the annotated JPEG along
// with the detections in model order.
func (c *Classifier) Classify(ctx context.Context, imageData []byte) ([]byte, *Classification, error) {
	if len(imageData) == 0 {
		return nil, nil, ErrEmptyImage
	}

	img, format, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image: %w", err)
	}
	slog.Debug("Classifier: decoded image",
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	detections, err := c.detector.Detect(ctx, imageData, c.confidence)
	if err != nil {
		return nil, nil, fmt.Errorf("model prediction failed: %w", err)
	}

	kept := make([]Detection, 0, len(detections))
	for _, det := range detections {
		if det.Confidence >= c.confidence {
			kept = append(kept, det)
		}
	}

	annotated, err := annotate(img, kept, c.jpegQuality)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to render detections: %w", err)
	}
	slog.Debug("Classifier: classification complete",
		"detections", len(kept),
		"dropped", len(detections)-len(kept),
		"output_size_bytes", len(annotated))

	return annotated, &Classification{Detections: kept}, nil
}
