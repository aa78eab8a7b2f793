package materialize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jo-hoe/streetscan/internal/backend/database"
	"github.com/jo-hoe/streetscan/internal/classifier"
	"github.com/jo-hoe/streetscan/internal/imagery"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func newTestDB(t *testing.T) database.DatabaseService {
	t.Helper()
	ds, err := database.NewDatabase("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("NewDatabase error: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func insertRecords(t *testing.T, ds database.DatabaseService, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("img-%02d", i)
		thumb := "https://thumbs.example.com/" + id + ".jpg"
		meta := &imagery.ImageMetadata{ID: id, Thumb1024URL: &thumb}

		var annotated []byte
		var classification *classifier.Classification
		if i%2 == 0 {
			annotated = []byte{0xFF}
			classification = classifier.Empty()
		}
		rec, err := database.NewRecord(id, 48+float64(i)/100, 16+float64(i)/100, meta, []byte{0x01}, annotated, classification)
		if err != nil {
			t.Fatalf("NewRecord error: %v", err)
		}
		if err := ds.UpsertRecord(rec); err != nil {
			t.Fatalf("UpsertRecord error: %v", err)
		}
	}
}

func readCollection(t *testing.T, path string) *geojson.FeatureCollection {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("failed to parse geojson: %v", err)
	}
	return fc
}

func TestMaterialize_OneFeaturePerRecord(t *testing.T) {
	ds := newTestDB(t)
	insertRecords(t, ds, 4)

	path := filepath.Join(t.TempDir(), "out", "images.geojson")
	m := NewMaterializer(ds, path)

	count, err := m.Materialize()
	if err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 features, got %d", count)
	}

	fc := readCollection(t, path)
	if len(fc.Features) != 4 {
		t.Fatalf("expected 4 features in file, got %d", len(fc.Features))
	}
	for i, feature := range fc.Features {
		point, ok := feature.Geometry.(orb.Point)
		if !ok {
			t.Fatalf("feature[%d] geometry is %T, want orb.Point", i, feature.Geometry)
		}
		wantLon, wantLat := 16+float64(i)/100, 48+float64(i)/100
		if point.Lon() != wantLon || point.Lat() != wantLat {
			t.Errorf("feature[%d] coordinates = %v, want [%v %v]", i, point, wantLon, wantLat)
		}
		if got := feature.Properties.MustString("id"); got != fmt.Sprintf("img-%02d", i) {
			t.Errorf("feature[%d] id = %q", i, got)
		}
		if got := feature.Properties.MustString("thumbnail_url"); got == "" {
			t.Errorf("feature[%d] thumbnail_url missing", i)
		}
		classification, present := feature.Properties["classification"]
		if !present {
			t.Errorf("feature[%d] has no classification property", i)
		}
		if i%2 == 1 && classification != nil {
			t.Errorf("feature[%d] unclassified record should have null classification, got %v", i, classification)
		}
		if i%2 == 0 && classification == nil {
			t.Errorf("feature[%d] classified record has null classification", i)
		}
	}
}

func TestMaterialize_MalformedClassificationIsTolerated(t *testing.T) {
	ds := newTestDB(t)
	insertRecords(t, ds, 10)

	db, err := ds.CreateDatabase()
	if err != nil {
		t.Fatalf("CreateDatabase error: %v", err)
	}
	if _, err := db.Exec("UPDATE images SET classification = ?, annotated_image = ? WHERE id = ?",
		"{not json", []byte{0x01}, "img-03"); err != nil {
		t.Fatalf("failed to corrupt record: %v", err)
	}

	path := filepath.Join(t.TempDir(), "images.geojson")
	count, err := NewMaterializer(ds, path).Materialize()
	if err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 features, got %d", count)
	}

	fc := readCollection(t, path)
	props := fc.Features[3].Properties
	classification, ok := props["classification"].(map[string]interface{})
	if !ok {
		t.Fatalf("malformed record classification = %#v, want object", props["classification"])
	}
	detections, ok := classification["detections"].([]interface{})
	if !ok || len(detections) != 0 {
		t.Errorf("expected empty detections for malformed record, got %#v", classification["detections"])
	}
}

func TestMaterialize_EmptyCatalog(t *testing.T) {
	ds := newTestDB(t)
	path := filepath.Join(t.TempDir(), "images.geojson")

	count, err := NewMaterializer(ds, path).Materialize()
	if err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 features, got %d", count)
	}
	if fc := readCollection(t, path); len(fc.Features) != 0 {
		t.Fatalf("expected empty collection, got %d features", len(fc.Features))
	}
}

func TestMaterialize_FullRewrite(t *testing.T) {
	ds := newTestDB(t)
	insertRecords(t, ds, 3)
	path := filepath.Join(t.TempDir(), "images.geojson")
	m := NewMaterializer(ds, path)

	if _, err := m.Materialize(); err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	if err := ds.ClearAll(); err != nil {
		t.Fatalf("ClearAll error: %v", err)
	}
	insertRecords(t, ds, 1)
	if _, err := m.Materialize(); err != nil {
		t.Fatalf("Materialize error: %v", err)
	}

	if fc := readCollection(t, path); len(fc.Features) != 1 {
		t.Fatalf("expected rewritten file with 1 feature, got %d", len(fc.Features))
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the artifact in the output directory, found %d entries", len(entries))
	}
}

func TestMaterializer_Remove(t *testing.T) {
	ds := newTestDB(t)
	path := filepath.Join(t.TempDir(), "images.geojson")
	m := NewMaterializer(ds, path)

	if err := m.Remove(); err != nil {
		t.Fatalf("Remove on missing file error: %v", err)
	}
	if _, err := m.Materialize(); err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	if err := m.Remove(); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected artifact to be gone, stat error: %v", err)
	}
}
