package materialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jo-hoe/streetscan/internal/backend/database"
	"github.com/jo-hoe/streetscan/internal/classifier"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// featureColumns is the projection used for materialization; rasters are never loaded.
var featureColumns = []string{"id", "latitude", "longitude", "captured_at", "sequence_id", "metadata", "classification"}

// Materializer rewrites the GeoJSON artifact from the full catalog.
type Materializer struct {
	databaseService database.DatabaseService
	path            string
}

func NewMaterializer(databaseService database.DatabaseService, path string) *Materializer {
	return &Materializer{
		databaseService: databaseService,
		path:            path,
	}
}

func (m *Materializer) Path() string {
	return m.path
}

// Materialize writes one Point feature per record in catalog order and
// returns the number of features written.
func (m *Materializer) Materialize() (int, error) {
	fc, err := m.FeatureCollection()
	if err != nil {
		return 0, err
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode feature collection: %w", err)
	}
	if err := writeFileAtomic(m.path, data); err != nil {
		return 0, err
	}

	slog.Info("geojson materialized", "path", m.path, "features", len(fc.Features))
	return len(fc.Features), nil
}

// FeatureCollection builds the collection without writing it.
func (m *Materializer) FeatureCollection() (*geojson.FeatureCollection, error) {
	records, err := m.databaseService.GetRecords(featureColumns...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan catalog: %w", err)
	}

	fc := geojson.NewFeatureCollection()
	for _, record := range records {
		fc.Append(recordFeature(record))
	}
	return fc, nil
}

// Remove deletes the artifact. A missing file is not an error.
func (m *Materializer) Remove() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", m.path, err)
	}
	return nil
}

func recordFeature(record *database.Record) *geojson.Feature {
	feature := geojson.NewFeature(orb.Point{record.Longitude, record.Latitude})
	feature.Properties["id"] = record.ID
	feature.Properties["sequence_id"] = record.SequenceID

	if text := record.CapturedAtText(); text != nil {
		feature.Properties["captured_at"] = *text
	} else {
		feature.Properties["captured_at"] = nil
	}

	feature.Properties["classification"] = featureClassification(record)

	feature.Properties["thumbnail_url"] = nil
	metadata, err := record.DecodedMetadata()
	if err != nil {
		slog.Warn("stored metadata is malformed", "image_id", record.ID, "error", err)
	} else if url := metadata.ThumbnailURL(); url != "" {
		feature.Properties["thumbnail_url"] = url
	}

	return feature
}

func featureClassification(record *database.Record) *classifier.Classification {
	if !record.HasClassification() {
		return nil
	}
	classification, err := record.DecodedClassification()
	if err != nil {
		slog.Warn("stored classification is malformed, using empty detections", "image_id", record.ID, "error", err)
		return classifier.Empty()
	}
	return classification
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
