package analysis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jo-hoe/streetscan/internal/backend/database"
	"github.com/jo-hoe/streetscan/internal/classifier"
)

func detections(classes ...string) []classifier.Detection {
	result := make([]classifier.Detection, 0, len(classes))
	for _, class := range classes {
		result = append(result, classifier.Detection{Class: class, Confidence: 0.8})
	}
	return result
}

func TestClassify_Buckets(t *testing.T) {
	tests := []struct {
		name       string
		detections []classifier.Detection
		want       Bucket
	}{
		{"empty list", detections(), BucketUndamaged},
		{"nil list", nil, BucketUndamaged},
		{"single damaged", detections(classifier.ClassDamagedWindow), BucketDamaged},
		{"only undamaged", detections(classifier.ClassUndamagedWindow, classifier.ClassUndamagedWindow), BucketUndamaged},
		{"undamaged and damaged", detections(classifier.ClassUndamagedWindow, classifier.ClassDamagedWindow), BucketDamaged},
		{"undamaged and other", detections(classifier.ClassUndamagedWindow, "door"), BucketNone},
		{"only other", detections("door"), BucketNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.detections); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestDB(t *testing.T) database.DatabaseService {
	t.Helper()
	ds, err := database.NewDatabase("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("NewDatabase error: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func upsert(t *testing.T, ds database.DatabaseService, id string, c *classifier.Classification) {
	t.Helper()
	var annotated []byte
	if c != nil {
		annotated = []byte{0x01}
	}
	rec, err := database.NewRecord(id, 10, 10, nil, []byte{0x01}, annotated, c)
	if err != nil {
		t.Fatalf("NewRecord error: %v", err)
	}
	if err := ds.UpsertRecord(rec); err != nil {
		t.Fatalf("UpsertRecord error: %v", err)
	}
}

func TestAnalyzer_SummarizeAndWrite(t *testing.T) {
	ds := newTestDB(t)
	upsert(t, ds, "damaged", &classifier.Classification{Detections: detections(classifier.ClassDamagedWindow)})
	upsert(t, ds, "clean", classifier.Empty())
	upsert(t, ds, "undamaged", &classifier.Classification{Detections: detections(classifier.ClassUndamagedWindow)})
	upsert(t, ds, "mixed", &classifier.Classification{Detections: detections(classifier.ClassUndamagedWindow, "door")})
	upsert(t, ds, "pending", nil)

	db, err := ds.CreateDatabase()
	if err != nil {
		t.Fatalf("CreateDatabase error: %v", err)
	}
	if _, err := db.Exec("UPDATE images SET classification = 'garbage', annotated_image = x'01' WHERE id = 'pending'"); err != nil {
		t.Fatalf("failed to corrupt record: %v", err)
	}

	path := filepath.Join(t.TempDir(), "reports", "summary.txt")
	summary, err := NewAnalyzer(ds).WriteSummary(path)
	if err != nil {
		t.Fatalf("WriteSummary error: %v", err)
	}

	// garbage payload counts as an empty list
	want := Summary{Total: 5, Damaged: 1, Undamaged: 3}
	if *summary != want {
		t.Fatalf("summary = %+v, want %+v", *summary, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read summary: %v", err)
	}
	expected := "Total rows to analyze: 5\n" +
		"Images with at least one damaged window: 1\n" +
		"Images with no windows or only undamaged windows: 3\n"
	if string(data) != expected {
		t.Errorf("summary file = %q, want %q", string(data), expected)
	}
}

func TestAnalyzer_EmptyCatalog(t *testing.T) {
	summary, err := NewAnalyzer(newTestDB(t)).Summarize()
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if *summary != (Summary{}) {
		t.Fatalf("expected zero summary, got %+v", *summary)
	}
}
