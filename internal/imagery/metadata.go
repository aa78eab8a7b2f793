package imagery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DetailFields is the fixed field selection requested from the detail endpoint.
var DetailFields = []string{
	"id", "altitude", "atomic_scale", "camera_parameters", "camera_type",
	"captured_at", "compass_angle", "computed_altitude", "computed_compass_angle",
	"computed_geometry", "computed_rotation", "creator", "exif_orientation",
	"geometry", "height", "is_pano", "make", "model", "thumb_256_url",
	"thumb_1024_url", "thumb_2048_url", "thumb_original_url", "merge_cc",
	"mesh", "sequence", "sfm_cluster", "width", "detections",
}

// Stub is the minimal image reference returned by the list endpoint.
type Stub struct {
	ID        string
	Latitude  float64
	Longitude float64
}

type stubPayload struct {
	ID       string            `json:"id"`
	Geometry *geojson.Geometry `json:"geometry"`
}

func (p stubPayload) toStub() (Stub, bool) {
	if p.ID == "" || p.Geometry == nil {
		return Stub{}, false
	}
	point, ok := p.Geometry.Geometry().(orb.Point)
	if !ok {
		return Stub{}, false
	}
	return Stub{ID: p.ID, Latitude: point.Lat(), Longitude: point.Lon()}, true
}

type Creator struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

// Asset references a derived upstream resource such as a mesh or an SfM cluster.
type Asset struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url,omitempty"`
}

// SequenceRef accepts both the bare id and the {"id": ...} object form.
type SequenceRef struct {
	ID string
}

func (s *SequenceRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("sequence must be a string or an object with id: %w", err)
	}
	s.ID = obj.ID
	return nil
}

func (s SequenceRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ID)
}

// ImageMetadata is the typed form of the detail payload. Every field except ID
// is optional and stays nil when the upstream omits it.
type ImageMetadata struct {
	ID                   string            `json:"id"`
	Altitude             *float64          `json:"altitude,omitempty"`
	AtomicScale          *float64          `json:"atomic_scale,omitempty"`
	CameraParameters     []float64         `json:"camera_parameters,omitempty"`
	CameraType           *string           `json:"camera_type,omitempty"`
	CapturedAt           *float64          `json:"captured_at,omitempty"`
	CompassAngle         *float64          `json:"compass_angle,omitempty"`
	ComputedAltitude     *float64          `json:"computed_altitude,omitempty"`
	ComputedCompassAngle *float64          `json:"computed_compass_angle,omitempty"`
	ComputedGeometry     *geojson.Geometry `json:"computed_geometry,omitempty"`
	ComputedRotation     []float64         `json:"computed_rotation,omitempty"`
	Creator              *Creator          `json:"creator,omitempty"`
	ExifOrientation      *int              `json:"exif_orientation,omitempty"`
	Geometry             *geojson.Geometry `json:"geometry,omitempty"`
	Height               *int              `json:"height,omitempty"`
	IsPano               *bool             `json:"is_pano,omitempty"`
	Make                 *string           `json:"make,omitempty"`
	Model                *string           `json:"model,omitempty"`
	Thumb256URL          *string           `json:"thumb_256_url,omitempty"`
	Thumb1024URL         *string           `json:"thumb_1024_url,omitempty"`
	Thumb2048URL         *string           `json:"thumb_2048_url,omitempty"`
	ThumbOriginalURL     *string           `json:"thumb_original_url,omitempty"`
	MergeCC              *int64            `json:"merge_cc,omitempty"`
	Mesh                 *Asset            `json:"mesh,omitempty"`
	Sequence             *SequenceRef      `json:"sequence,omitempty"`
	SfmCluster           *Asset            `json:"sfm_cluster,omitempty"`
	Width                *int              `json:"width,omitempty"`
	// Detections are the upstream's own map features; kept verbatim.
	Detections json.RawMessage `json:"detections,omitempty"`
}

// DecodeMetadata parses a stored or fetched metadata document. Only a document
// that is not a JSON object is an error; a field with an unexpected type is
// logged and left nil so the rest of the record survives.
func DecodeMetadata(data []byte) (*ImageMetadata, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode image metadata: %w", err)
	}

	var meta ImageMetadata
	value := reflect.ValueOf(&meta).Elem()
	for i := 0; i < value.NumField(); i++ {
		name, _, _ := strings.Cut(value.Type().Field(i).Tag.Get("json"), ",")
		raw, ok := fields[name]
		if !ok {
			continue
		}
		target := value.Field(i)
		if err := json.Unmarshal(raw, target.Addr().Interface()); err != nil {
			target.SetZero()
			slog.Warn("ignoring malformed metadata field", "field", name, "error", err)
		}
	}
	return &meta, nil
}

// CapturedTime converts the millisecond epoch capture time to UTC.
func (m *ImageMetadata) CapturedTime() *time.Time {
	if m == nil || m.CapturedAt == nil || *m.CapturedAt <= 0 {
		return nil
	}
	t := time.UnixMilli(int64(*m.CapturedAt)).UTC()
	return &t
}

// SequenceID returns the capture sequence id or "".
func (m *ImageMetadata) SequenceID() string {
	if m == nil || m.Sequence == nil {
		return ""
	}
	return m.Sequence.ID
}

// ThumbnailURL returns the 1024px thumbnail url or "".
func (m *ImageMetadata) ThumbnailURL() string {
	if m == nil || m.Thumb1024URL == nil {
		return ""
	}
	return strings.TrimSpace(*m.Thumb1024URL)
}
