package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jo-hoe/streetscan/internal/analysis"
	"github.com/jo-hoe/streetscan/internal/backend/database"
	"github.com/jo-hoe/streetscan/internal/core"
	"github.com/jo-hoe/streetscan/internal/geo"

	"github.com/labstack/echo/v4"
)

const mimeJPEG = "image/jpeg"

type APIService struct {
	coreService *core.CoreService
}

type FetchAreaRequest struct {
	// south, west, north, east
	Bounds []float64 `json:"bounds" validate:"required,len=4"`
}

type FetchAreaResponse struct {
	Message string `json:"message"`
	*core.IngestResult
}

type ProcessImagesResponse struct {
	Message               string            `json:"message"`
	Classified            int               `json:"classified"`
	Failed                int               `json:"failed"`
	Features              int               `json:"features"`
	ClassificationSummary *analysis.Summary `json:"classification_summary"`
}

type ExportImagesResponse struct {
	Message    string `json:"message"`
	ExportPath string `json:"export_path"`
	Exported   int    `json:"exported"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewAPIService(coreService *core.CoreService) *APIService {
	return &APIService{
		coreService: coreService,
	}
}

func (s *APIService) SetRoutes(e *echo.Echo) {
	e.GET("/probe", s.probeHandler)

	e.POST("/fetch-area", s.fetchAreaHandler)
	e.GET("/locations", s.locationsHandler)
	e.GET("/geojson", s.geojsonHandler)
	e.GET("/image/:id", s.imageHandler)
	e.GET("/image-classified/:id", s.classifiedImageHandler)
	e.POST("/process-images", s.processImagesHandler)
	e.POST("/export-images", s.exportImagesHandler)
	e.POST("/clear-data", s.clearDataHandler)
}

func (s *APIService) probeHandler(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "API Service is running")
}

func (s *APIService) fetchAreaHandler(ctx echo.Context) error {
	request := new(FetchAreaRequest)
	if err := ctx.Bind(request); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := ctx.Validate(request); err != nil {
		return err
	}

	bbox, err := geo.FromSlice(request.Bounds)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	// a started pass runs to completion even if the client goes away
	result, err := s.coreService.Ingest(context.WithoutCancel(ctx.Request().Context()), bbox)
	if err != nil {
		if errors.Is(err, geo.ErrInvalidBounds) {
			return ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
		slog.Error("fetchAreaHandler: ingestion failed", "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to process area"})
	}

	return ctx.JSON(http.StatusOK, FetchAreaResponse{
		Message:      fmt.Sprintf("Successfully processed %d images and exported to GeoJSON", result.Processed),
		IngestResult: result,
	})
}

func (s *APIService) locationsHandler(ctx echo.Context) error {
	locations, err := s.coreService.ListRecords()
	if err != nil {
		slog.Error("locationsHandler: failed to list records", "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list locations"})
	}
	return ctx.JSON(http.StatusOK, locations)
}

func (s *APIService) geojsonHandler(ctx echo.Context) error {
	data, err := s.coreService.GeoJSON()
	if errors.Is(err, core.ErrNoArtifact) {
		return ctx.JSON(http.StatusNotFound, ErrorResponse{Error: "GeoJSON file not found."})
	}
	if err != nil {
		slog.Error("geojsonHandler: failed to read artifact", "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read GeoJSON"})
	}
	return ctx.Blob(http.StatusOK, "application/geo+json", data)
}

func (s *APIService) imageHandler(ctx echo.Context) error {
	return s.serveImage(ctx, s.coreService.GetImage, "Image not found")
}

func (s *APIService) classifiedImageHandler(ctx echo.Context) error {
	return s.serveImage(ctx, s.coreService.GetClassifiedImage, "Classified image not found")
}

func (s *APIService) serveImage(ctx echo.Context, get func(string) ([]byte, error), notFound string) error {
	id := ctx.Param("id")
	data, err := get(id)
	if errors.Is(err, database.ErrNotFound) {
		return ctx.JSON(http.StatusNotFound, ErrorResponse{Error: notFound})
	}
	if err != nil {
		slog.Error("serveImage: failed to load image", "image_id", id, "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load image"})
	}
	ctx.Response().Header().Set("Cache-Control", "no-store")
	return ctx.Blob(http.StatusOK, http.DetectContentType(data), data)
}

func (s *APIService) processImagesHandler(ctx echo.Context) error {
	result, err := s.coreService.ClassifyPending(context.WithoutCancel(ctx.Request().Context()))
	if err != nil {
		slog.Error("processImagesHandler: classification pass failed", "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to process images"})
	}
	return ctx.JSON(http.StatusOK, ProcessImagesResponse{
		Message:               "Image processing completed and exported to GeoJSON",
		Classified:            result.Classified,
		Failed:                result.Failed,
		Features:              result.Features,
		ClassificationSummary: result.Summary,
	})
}

func (s *APIService) exportImagesHandler(ctx echo.Context) error {
	classified := false
	if raw := ctx.QueryParam("classified"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: "classified must be true or false"})
		}
		classified = parsed
	}

	result, err := s.coreService.ExportImages(classified)
	if err != nil {
		slog.Error("exportImagesHandler: export failed", "classified", classified, "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to export images"})
	}

	kind := "images"
	if classified {
		kind = "classified images"
	}
	return ctx.JSON(http.StatusOK, ExportImagesResponse{
		Message:    fmt.Sprintf("Successfully exported %d %s to PNG format", result.Exported, kind),
		ExportPath: result.Dir,
		Exported:   result.Exported,
	})
}

func (s *APIService) clearDataHandler(ctx echo.Context) error {
	if err := s.coreService.ClearAll(); err != nil {
		slog.Error("clearDataHandler: failed to clear data", "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to clear data"})
	}
	return ctx.JSON(http.StatusOK, MessageResponse{Message: "All data cleared"})
}
