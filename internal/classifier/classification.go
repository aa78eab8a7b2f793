package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ClassDamagedWindow   = "damaged_window"
	ClassUndamagedWindow = "undamaged_window"
)

// Box is a detection rectangle in pixel coordinates of the classified image.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Detection struct {
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Classification is the stored result of one classifier run.
type Classification struct {
	Detections []Detection `json:"detections"`
}

// Empty returns a classification without detections.
func Empty() *Classification {
	return &Classification{Detections: []Detection{}}
}

// Encode serializes the classification; a nil detection list is written as [].
func (c *Classification) Encode() ([]byte, error) {
	if c == nil {
		return nil, errors.New("cannot encode nil classification")
	}
	out := *c
	if out.Detections == nil {
		out.Detections = []Detection{}
	}
	return json.Marshal(out)
}

// DecodeClassification parses a stored classification. The payload must be a
// JSON object; a literal null or any other shape is rejected.
func DecodeClassification(data []byte) (*Classification, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("classification payload is not an object")
	}
	var c Classification
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return nil, fmt.Errorf("failed to decode classification: %w", err)
	}
	if c.Detections == nil {
		c.Detections = []Detection{}
	}
	return &c, nil
}
