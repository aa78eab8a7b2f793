package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jo-hoe/streetscan/internal/backend/database"
	"github.com/jo-hoe/streetscan/internal/classifier"
	"github.com/jo-hoe/streetscan/internal/geo"

	"github.com/paulmach/orb/geojson"
)

type fakeDetector struct {
	detections []classifier.Detection
	err        error
	calls      atomic.Int32
}

func (f *fakeDetector) Detect(_ context.Context, _ []byte, _ float64) ([]classifier.Detection, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.detections, nil
}

func createTestPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 10), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeImagery serves two pages (5 + 3 stubs), details and thumbnails.
type fakeImagery struct {
	server        *httptest.Server
	thumbnail     []byte
	listRequests  atomic.Int32
	failThumbnail atomic.Bool
}

func newFakeImagery(t *testing.T) *fakeImagery {
	t.Helper()
	f := &fakeImagery{thumbnail: createTestPNG(t)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/images":
			f.listRequests.Add(1)
			var ids []string
			after := ""
			switch r.URL.Query().Get("after") {
			case "":
				ids, after = []string{"1", "2", "3", "4", "5"}, "page-2"
			case "page-2":
				ids = []string{"6", "7", "8"}
			}
			_ = json.NewEncoder(w).Encode(listPage(ids, after))
		case strings.HasPrefix(r.URL.Path, "/thumbs/"):
			if f.failThumbnail.Load() {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write(f.thumbnail)
		default:
			id := strings.TrimPrefix(r.URL.Path, "/")
			fmt.Fprintf(w, `{"id":%q,"captured_at":1700000000000,"sequence":"seq-%s","thumb_1024_url":"%s/thumbs/%s.jpg"}`,
				id, id, f.server.URL, id)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func listPage(ids []string, after string) map[string]any {
	data := make([]map[string]any, 0, len(ids))
	for i, id := range ids {
		data = append(data, map[string]any{
			"id": id,
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{16.37 + float64(i)*0.001, 48.21},
			},
		})
	}
	page := map[string]any{"data": data}
	if after != "" {
		page["paging"] = map[string]any{
			"cursors": map[string]any{"after": after},
			"next":    "https://imagery.example.com/images?after=" + after,
		}
	}
	return page
}

func testConfig(t *testing.T, baseURL string) *ServiceConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Database.ConnectionString = ":memory:"
	cfg.Imagery.BaseURL = baseURL
	cfg.Imagery.AccessToken = "token"
	cfg.Output.GeoJSONPath = filepath.Join(dir, "static", "images.geojson")
	cfg.Output.SummaryPath = filepath.Join(dir, "classification_summary.txt")
	cfg.Output.ExportDir = filepath.Join(dir, "exported")
	return cfg
}

func newTestCoreService(t *testing.T, baseURL string, detector classifier.Detector) *CoreService {
	t.Helper()
	cfg := testConfig(t, baseURL)
	client, err := NewImageryClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewImageryClient error: %v", err)
	}
	svc, err := NewCoreService(cfg, client, classifier.New(detector, cfg.Classifier.Confidence, cfg.Classifier.JPEGQuality))
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func testBBox(t *testing.T) geo.BBox {
	t.Helper()
	bbox, err := geo.NewBBox(48.20, 16.36, 48.22, 16.38)
	if err != nil {
		t.Fatalf("NewBBox error: %v", err)
	}
	return bbox
}

func damaged() []classifier.Detection {
	return []classifier.Detection{{
		Class: classifier.ClassDamagedWindow, Confidence: 0.9,
		Box: classifier.Box{X1: 2, Y1: 2, X2: 12, Y2: 10},
	}}
}

func TestIngest_PaginatesAndMaterializes(t *testing.T) {
	upstream := newFakeImagery(t)
	detector := &fakeDetector{detections: damaged()}
	svc := newTestCoreService(t, upstream.server.URL, detector)

	result, err := svc.Ingest(context.Background(), testBBox(t))
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if result.Processed != 8 || result.Failed != 0 || result.Truncated || result.Features != 8 {
		t.Fatalf("unexpected result %+v", result)
	}
	if upstream.listRequests.Load() != 2 {
		t.Errorf("expected 2 list requests, got %d", upstream.listRequests.Load())
	}
	if detector.calls.Load() != 8 {
		t.Errorf("expected 8 classifier calls, got %d", detector.calls.Load())
	}

	data, err := svc.GeoJSON()
	if err != nil {
		t.Fatalf("GeoJSON error: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("invalid geojson: %v", err)
	}
	if len(fc.Features) != 8 {
		t.Fatalf("expected 8 features, got %d", len(fc.Features))
	}

	locations, err := svc.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords error: %v", err)
	}
	if len(locations) != 8 {
		t.Fatalf("expected 8 locations, got %d", len(locations))
	}
	first := locations[0]
	if first.ID != "1" || !first.Classified || first.SequenceID != "seq-1" {
		t.Errorf("unexpected first location %+v", first)
	}
	if first.CapturedAt == nil || *first.CapturedAt != "2023-11-14 22:13:20" {
		t.Errorf("unexpected captured_at %v", first.CapturedAt)
	}
	if first.ThumbnailURL == nil || !strings.HasSuffix(*first.ThumbnailURL, "/thumbs/1.jpg") {
		t.Errorf("unexpected thumbnail url %v", first.ThumbnailURL)
	}

	original, err := svc.GetImage("3")
	if err != nil || !bytes.Equal(original, upstream.thumbnail) {
		t.Errorf("GetImage returned %d bytes, err=%v", len(original), err)
	}
	annotated, err := svc.GetClassifiedImage("3")
	if err != nil || len(annotated) == 0 {
		t.Errorf("GetClassifiedImage returned %d bytes, err=%v", len(annotated), err)
	}
}

func TestIngest_InvalidBoundsMakesNoRequest(t *testing.T) {
	upstream := newFakeImagery(t)
	svc := newTestCoreService(t, upstream.server.URL, &fakeDetector{})

	_, err := svc.Ingest(context.Background(), geo.BBox{South: 10, West: 0, North: 5, East: 1})
	if !errors.Is(err, geo.ErrInvalidBounds) {
		t.Fatalf("expected ErrInvalidBounds, got %v", err)
	}
	if upstream.listRequests.Load() != 0 {
		t.Fatalf("expected no upstream requests, got %d", upstream.listRequests.Load())
	}
	if _, err := svc.GeoJSON(); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("expected no artifact, got %v", err)
	}
}

func TestIngest_ClassifierFailureStoresUnclassified(t *testing.T) {
	upstream := newFakeImagery(t)
	detector := &fakeDetector{err: errors.New("model offline")}
	svc := newTestCoreService(t, upstream.server.URL, detector)

	result, err := svc.Ingest(context.Background(), testBBox(t))
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if result.Processed != 8 {
		t.Fatalf("expected 8 processed records, got %d", result.Processed)
	}

	pending, err := svc.databaseService.GetUnclassified()
	if err != nil {
		t.Fatalf("GetUnclassified error: %v", err)
	}
	if len(pending) != 8 {
		t.Fatalf("expected 8 unclassified records, got %d", len(pending))
	}

	// the model comes back; the standalone pass picks the records up
	detector.err = nil
	detector.detections = damaged()
	classified, err := svc.ClassifyPending(context.Background())
	if err != nil {
		t.Fatalf("ClassifyPending error: %v", err)
	}
	if classified.Classified != 8 || classified.Failed != 0 || classified.Features != 8 {
		t.Fatalf("unexpected classify result %+v", classified)
	}
	if classified.Summary.Total != 8 || classified.Summary.Damaged != 8 {
		t.Fatalf("unexpected summary %+v", classified.Summary)
	}
	text, err := os.ReadFile(svc.config.Output.SummaryPath)
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	if !strings.Contains(string(text), "Images with at least one damaged window: 8") {
		t.Errorf("unexpected summary text %q", text)
	}
}

func TestIngest_ReingestionClearsClassification(t *testing.T) {
	upstream := newFakeImagery(t)
	svc := newTestCoreService(t, upstream.server.URL, &fakeDetector{detections: damaged()})

	if _, err := svc.Ingest(context.Background(), testBBox(t)); err != nil {
		t.Fatalf("Ingest error: %v", err)
	}

	upstream.failThumbnail.Store(true)
	if _, err := svc.Ingest(context.Background(), testBBox(t)); err != nil {
		t.Fatalf("second Ingest error: %v", err)
	}

	stored, err := svc.databaseService.GetClassifications()
	if err != nil {
		t.Fatalf("GetClassifications error: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected overwrite to clear classifications, %d remain", len(stored))
	}
	if _, err := svc.GetImage("1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected thumbnail to be cleared, got %v", err)
	}
}

func TestClearAll_EmptiesCatalogAndRemovesArtifact(t *testing.T) {
	upstream := newFakeImagery(t)
	svc := newTestCoreService(t, upstream.server.URL, &fakeDetector{})

	if _, err := svc.Ingest(context.Background(), testBBox(t)); err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if err := svc.ClearAll(); err != nil {
		t.Fatalf("ClearAll error: %v", err)
	}

	locations, err := svc.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords error: %v", err)
	}
	if len(locations) != 0 {
		t.Fatalf("expected empty catalog, got %d", len(locations))
	}
	if _, err := svc.GeoJSON(); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("expected ErrNoArtifact after clear, got %v", err)
	}
}

func TestExportImages(t *testing.T) {
	upstream := newFakeImagery(t)
	svc := newTestCoreService(t, upstream.server.URL, &fakeDetector{})

	if _, err := svc.Ingest(context.Background(), testBBox(t)); err != nil {
		t.Fatalf("Ingest error: %v", err)
	}

	originals, err := svc.ExportImages(false)
	if err != nil {
		t.Fatalf("ExportImages(false) error: %v", err)
	}
	if originals.Exported != 8 {
		t.Errorf("expected 8 exported originals, got %d", originals.Exported)
	}
	if _, err := os.Stat(filepath.Join(originals.Dir, "8.png")); err != nil {
		t.Errorf("expected 8.png in %s: %v", originals.Dir, err)
	}

	classified, err := svc.ExportImages(true)
	if err != nil {
		t.Fatalf("ExportImages(true) error: %v", err)
	}
	if classified.Exported != 8 {
		t.Errorf("expected 8 exported classified images, got %d", classified.Exported)
	}
}
