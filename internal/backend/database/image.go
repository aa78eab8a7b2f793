package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/streetscan/internal/classifier"
	"github.com/jo-hoe/streetscan/internal/imagery"
)

// CapturedAtLayout is the text form of capture times in the catalog.
const CapturedAtLayout = "2006-01-02 15:04:05"

var (
	ErrNotFound               = errors.New("record not found")
	ErrClassificationMismatch = errors.New("classification and annotated image must be set together")
)

// Record is one catalog row. Metadata and Classification hold the JSON
// documents as stored; use the Decoded* helpers to read them.
type Record struct {
	ID             string     `db:"id"`
	Latitude       float64    `db:"latitude"`
	Longitude      float64    `db:"longitude"`
	CapturedAt     *time.Time `db:"captured_at"`
	SequenceID     string     `db:"sequence_id"`
	Metadata       []byte     `db:"metadata"`
	Thumbnail      []byte     `db:"thumbnail"`       // raster bytes as downloaded
	AnnotatedImage []byte     `db:"annotated_image"` // JPEG with detection overlays
	Classification []byte     `db:"classification"`
}

// UnclassifiedImage is a stored thumbnail still waiting for classification.
type UnclassifiedImage struct {
	ID        string
	Thumbnail []byte
}

// StoredClassification is the raw classification payload of one record.
type StoredClassification struct {
	ID      string
	Payload []byte
}

// NewRecord assembles a record from pipeline results. Capture time and
// sequence id are derived from the metadata when present.
func NewRecord(id string, latitude, longitude float64, metadata *imagery.ImageMetadata,
	thumbnail, annotated []byte, classification *classifier.Classification) (*Record, error) {
	rec := &Record{
		ID:             id,
		Latitude:       latitude,
		Longitude:      longitude,
		Thumbnail:      emptyToNil(thumbnail),
		AnnotatedImage: emptyToNil(annotated),
	}

	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata for %s: %w", id, err)
		}
		rec.Metadata = data
		rec.CapturedAt = metadata.CapturedTime()
		rec.SequenceID = metadata.SequenceID()
	}

	if classification != nil {
		data, err := classification.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode classification for %s: %w", id, err)
		}
		rec.Classification = data
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate enforces the catalog invariants before a write.
func (r *Record) Validate() error {
	if r == nil || r.ID == "" {
		return errors.New("record id must not be empty")
	}
	if r.Latitude < -90 || r.Latitude > 90 || r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("record %s has coordinates out of range (%v, %v)", r.ID, r.Latitude, r.Longitude)
	}
	if (len(r.Classification) > 0) != (len(r.AnnotatedImage) > 0) {
		return fmt.Errorf("record %s: %w", r.ID, ErrClassificationMismatch)
	}
	if len(r.Classification) > 0 {
		if _, err := classifier.DecodeClassification(r.Classification); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	if len(r.Metadata) > 0 {
		if _, err := imagery.DecodeMetadata(r.Metadata); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	return nil
}

// HasClassification reports whether a classification payload is stored.
func (r *Record) HasClassification() bool {
	return len(r.Classification) > 0
}

// DecodedClassification returns nil, nil when the record is unclassified.
func (r *Record) DecodedClassification() (*classifier.Classification, error) {
	if !r.HasClassification() {
		return nil, nil
	}
	return classifier.DecodeClassification(r.Classification)
}

// DecodedMetadata returns nil, nil when no metadata was stored.
func (r *Record) DecodedMetadata() (*imagery.ImageMetadata, error) {
	if len(r.Metadata) == 0 {
		return nil, nil
	}
	return imagery.DecodeMetadata(r.Metadata)
}

// CapturedAtText returns the stored capture time text or nil.
func (r *Record) CapturedAtText() *string {
	if r.CapturedAt == nil {
		return nil
	}
	s := r.CapturedAt.UTC().Format(CapturedAtLayout)
	return &s
}

func emptyToNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
