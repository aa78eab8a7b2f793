package analysis

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jo-hoe/streetscan/internal/backend/database"
	"github.com/jo-hoe/streetscan/internal/classifier"
)

type Bucket int

const (
	// BucketNone holds records mixing undamaged windows with other classes.
	BucketNone Bucket = iota
	BucketDamaged
	BucketUndamaged
)

func (b Bucket) String() string {
	switch b {
	case BucketDamaged:
		return "damaged"
	case BucketUndamaged:
		return "undamaged"
	default:
		return "none"
	}
}

type Summary struct {
	Total     int `json:"total"`
	Damaged   int `json:"damaged"`
	Undamaged int `json:"undamaged"`
}

// Classify places one classification result in a bucket. Any damaged window
// wins; otherwise an empty list or only undamaged windows count as undamaged.
func Classify(detections []classifier.Detection) Bucket {
	allUndamaged := true
	for _, detection := range detections {
		if detection.Class == classifier.ClassDamagedWindow {
			return BucketDamaged
		}
		if detection.Class != classifier.ClassUndamagedWindow {
			allUndamaged = false
		}
	}
	if allUndamaged {
		return BucketUndamaged
	}
	return BucketNone
}

type Analyzer struct {
	databaseService database.DatabaseService
}

func NewAnalyzer(databaseService database.DatabaseService) *Analyzer {
	return &Analyzer{databaseService: databaseService}
}

// Summarize counts the buckets over every classified record.
func (a *Analyzer) Summarize() (*Summary, error) {
	stored, err := a.databaseService.GetClassifications()
	if err != nil {
		return nil, fmt.Errorf("failed to load classifications: %w", err)
	}

	summary := &Summary{Total: len(stored)}
	for _, item := range stored {
		var detections []classifier.Detection
		classification, err := classifier.DecodeClassification(item.Payload)
		if err != nil {
			slog.Warn("stored classification is malformed, counting as empty", "image_id", item.ID, "error", err)
		} else {
			detections = classification.Detections
		}

		switch Classify(detections) {
		case BucketDamaged:
			summary.Damaged++
		case BucketUndamaged:
			summary.Undamaged++
		}
	}
	return summary, nil
}

func (s *Summary) String() string {
	return fmt.Sprintf("Total rows to analyze: %d\nImages with at least one damaged window: %d\nImages with no windows or only undamaged windows: %d\n",
		s.Total, s.Damaged, s.Undamaged)
}

// WriteSummary computes the summary and writes its text form to path.
func (a *Analyzer) WriteSummary(path string) (*Summary, error) {
	summary, err := a.Summarize()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create summary directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(summary.String()), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write summary %s: %w", path, err)
	}

	slog.Info("classification summary written", "path", path,
		"total", summary.Total, "damaged", summary.Damaged, "undamaged", summary.Undamaged)
	return summary, nil
}
