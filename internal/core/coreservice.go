package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/jo-hoe/streetscan/internal/analysis"
	"github.com/jo-hoe/streetscan/internal/backend/database"
	"github.com/jo-hoe/streetscan/internal/classifier"
	"github.com/jo-hoe/streetscan/internal/export"
	"github.com/jo-hoe/streetscan/internal/geo"
	"github.com/jo-hoe/streetscan/internal/imagery"
	"github.com/jo-hoe/streetscan/internal/materialize"
)

// ErrNoArtifact is returned when the GeoJSON artifact has not been written yet.
var ErrNoArtifact = errors.New("geojson artifact not found")

type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	imageryClient   *imagery.Client
	classifier      *classifier.Classifier
	materializer    *materialize.Materializer
	analyzer        *analysis.Analyzer
	exporter        *export.PNGExporter

	// passes run one at a time; the catalog has no cross-statement isolation
	passMu sync.Mutex
}

type IngestResult struct {
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Truncated bool `json:"truncated"`
	Features  int  `json:"features"`
}

type ClassifyResult struct {
	Classified int               `json:"classified"`
	Failed     int               `json:"failed"`
	Features   int               `json:"features"`
	Summary    *analysis.Summary `json:"summary"`
}

type ExportResult struct {
	Exported int    `json:"exported"`
	Dir      string `json:"dir"`
}

// Location is the list view of one record.
type Location struct {
	ID           string  `json:"id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	CapturedAt   *string `json:"captured_at"`
	SequenceID   string  `json:"sequence_id"`
	ThumbnailURL *string `json:"thumbnail_url"`
	Classified   bool    `json:"classified"`
}

func NewCoreService(config *ServiceConfig, imageryClient *imagery.Client, imageClassifier *classifier.Classifier) (*CoreService, error) {
	if imageryClient == nil || imageClassifier == nil {
		return nil, errors.New("imagery client and classifier are required")
	}
	databaseService, err := getDatabaseService(config)
	if err != nil {
		return nil, err
	}
	return &CoreService{
		config:          config,
		databaseService: databaseService,
		imageryClient:   imageryClient,
		classifier:      imageClassifier,
		materializer:    materialize.NewMaterializer(databaseService, config.Output.GeoJSONPath),
		analyzer:        analysis.NewAnalyzer(databaseService),
		exporter:        export.NewPNGExporter(),
	}, nil
}

// NewImageryClient builds the upstream client from the imagery section.
func NewImageryClient(config *ServiceConfig, cache imagery.ThumbnailCache) (*imagery.Client, error) {
	opts := []imagery.Option{
		imagery.WithPageSize(config.Imagery.PageSize),
		imagery.WithHTTPClient(&http.Client{Timeout: config.Imagery.Timeout()}),
	}
	if cache != nil {
		opts = append(opts, imagery.WithThumbnailCache(cache))
	}
	return imagery.NewClient(config.Imagery.BaseURL, config.Imagery.AccessToken, opts...)
}

// NewInferenceClassifier builds the classifier backed by the inference service.
// The detector is returned as well so callers can check its health.
func NewInferenceClassifier(config *ServiceConfig) (*classifier.Classifier, *classifier.InferenceDetector) {
	detector := classifier.NewInferenceDetector(config.Classifier.InferenceURL, config.Classifier.Timeout())
	return classifier.New(detector, config.Classifier.Confidence, config.Classifier.JPEGQuality), detector
}

func (service *CoreService) Close() error {
	return service.databaseService.Close()
}

// Ingest walks the bounding box, enriches and classifies every stub, stores
// the records and rewrites the GeoJSON artifact once at the end.
func (service *CoreService) Ingest(ctx context.Context, bbox geo.BBox) (*IngestResult, error) {
	walk, err := service.imageryClient.FetchArea(ctx, bbox)
	if err != nil {
		return nil, err
	}

	service.passMu.Lock()
	defer service.passMu.Unlock()

	classified, err := service.classifiedIDs()
	if err != nil {
		return nil, err
	}

	result := &IngestResult{}
	for stub := range walk.Stubs() {
		if err := service.ingestStub(ctx, stub, classified[stub.ID]); err != nil {
			slog.Error("failed to store image record", "image_id", stub.ID, "error", err)
			result.Failed++
			continue
		}
		result.Processed++
	}

	result.Truncated = walk.Truncated()
	if result.Truncated {
		slog.Warn("area walk ended early", "pages", walk.Pages(), "error", walk.Err())
	}

	result.Features, err = service.materializer.Materialize()
	if err != nil {
		return result, fmt.Errorf("failed to materialize geojson: %w", err)
	}

	slog.Info("ingestion finished", "bbox", bbox.QueryString(),
		"processed", result.Processed, "failed", result.Failed, "truncated", result.Truncated)
	return result, nil
}

func (service *CoreService) ingestStub(ctx context.Context, stub imagery.Stub, wasClassified bool) error {
	enriched := service.imageryClient.Enrich(ctx, stub.ID)

	var annotated []byte
	var classification *classifier.Classification
	if len(enriched.Thumbnail) > 0 {
		var err error
		annotated, classification, err = service.classifier.Classify(ctx, enriched.Thumbnail)
		if err != nil {
			slog.Warn("classification failed, storing record unclassified", "image_id", stub.ID, "error", err)
			annotated, classification = nil, nil
		}
	}

	if wasClassified && classification == nil {
		slog.Warn("re-ingestion clears previous classification", "image_id", stub.ID)
	}

	record, err := database.NewRecord(stub.ID, stub.Latitude, stub.Longitude,
		enriched.Metadata, enriched.Thumbnail, annotated, classification)
	if err != nil {
		return err
	}
	return service.databaseService.UpsertRecord(record)
}

func (service *CoreService) classifiedIDs() (map[string]bool, error) {
	stored, err := service.databaseService.GetClassifications()
	if err != nil {
		return nil, fmt.Errorf("failed to load classifications: %w", err)
	}
	ids := make(map[string]bool, len(stored))
	for _, item := range stored {
		ids[item.ID] = true
	}
	return ids, nil
}

// ClassifyPending classifies every stored thumbnail without a result, then
// rewrites the GeoJSON artifact and the summary.
func (service *CoreService) ClassifyPending(ctx context.Context) (*ClassifyResult, error) {
	service.passMu.Lock()
	defer service.passMu.Unlock()

	pending, err := service.databaseService.GetUnclassified()
	if err != nil {
		return nil, fmt.Errorf("failed to load unclassified images: %w", err)
	}
	slog.Info("classification pass started", "pending", len(pending))

	result := &ClassifyResult{}
	for _, image := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		annotated, classification, err := service.classifier.Classify(ctx, image.Thumbnail)
		if err != nil {
			slog.Warn("classification failed", "image_id", image.ID, "error", err)
			result.Failed++
			continue
		}
		if err := service.databaseService.SetClassification(image.ID, annotated, classification); err != nil {
			slog.Error("failed to store classification", "image_id", image.ID, "error", err)
			result.Failed++
			continue
		}
		result.Classified++
	}

	result.Features, err = service.materializer.Materialize()
	if err != nil {
		return result, fmt.Errorf("failed to materialize geojson: %w", err)
	}
	result.Summary, err = service.analyzer.WriteSummary(service.config.Output.SummaryPath)
	if err != nil {
		return result, fmt.Errorf("failed to write summary: %w", err)
	}
	return result, nil
}

// Summarize recomputes the damage counts without writing any file.
func (service *CoreService) Summarize() (*analysis.Summary, error) {
	return service.analyzer.Summarize()
}

func (service *CoreService) ListRecords() ([]*Location, error) {
	records, err := service.databaseService.GetRecords(database.SummaryColumns...)
	if err != nil {
		return nil, err
	}

	locations := make([]*Location, 0, len(records))
	for _, record := range records {
		location := &Location{
			ID:         record.ID,
			Latitude:   record.Latitude,
			Longitude:  record.Longitude,
			CapturedAt: record.CapturedAtText(),
			SequenceID: record.SequenceID,
			Classified: record.HasClassification(),
		}
		if metadata, err := record.DecodedMetadata(); err == nil {
			if url := metadata.ThumbnailURL(); url != "" {
				location.ThumbnailURL = &url
			}
		}
		locations = append(locations, location)
	}
	return locations, nil
}

// GeoJSON returns the last materialized artifact.
func (service *CoreService) GeoJSON() ([]byte, error) {
	data, err := os.ReadFile(service.materializer.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoArtifact
	}
	return data, err
}

func (service *CoreService) GetImage(id string) ([]byte, error) {
	return service.databaseService.GetOriginalImageByID(id)
}

func (service *CoreService) GetClassifiedImage(id string) ([]byte, error) {
	return service.databaseService.GetClassifiedImageByID(id)
}

// ExportImages writes the stored originals, or the annotated images when
// classified is set, as PNG files below the export directory.
func (service *CoreService) ExportImages(classified bool) (*ExportResult, error) {
	column, subdir := "thumbnail", "original"
	if classified {
		column, subdir = "annotated_image", "classified"
	}

	records, err := service.databaseService.GetRecords("id", column)
	if err != nil {
		return nil, err
	}
	items := make([]export.Item, 0, len(records))
	for _, record := range records {
		data := record.Thumbnail
		if classified {
			data = record.AnnotatedImage
		}
		if len(data) > 0 {
			items = append(items, export.Item{ID: record.ID, Data: data})
		}
	}

	dir := filepath.Join(service.config.Output.ExportDir, subdir)
	count, err := service.exporter.Export(items, dir)
	if err != nil {
		return nil, err
	}
	return &ExportResult{Exported: count, Dir: dir}, nil
}

// ClearAll empties the catalog and removes the GeoJSON artifact.
func (service *CoreService) ClearAll() error {
	service.passMu.Lock()
	defer service.passMu.Unlock()

	if err := service.databaseService.ClearAll(); err != nil {
		return err
	}
	return service.materializer.Remove()
}

func getDatabaseService(config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}
