package geo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// ErrInvalidBounds is returned for bounding boxes that cannot be queried.
var ErrInvalidBounds = errors.New("invalid bounds")

// BBox is a geographic bounding box in degrees.
type BBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// NewBBox builds a bounding box from (south, west, north, east) and validates it.
func NewBBox(south, west, north, east float64) (BBox, error) {
	b := BBox{South: south, West: west, North: north, East: east}
	if err := b.Validate(); err != nil {
		return BBox{}, err
	}
	return b, nil
}

// FromSlice reads the [south, west, north, east] order used by the map client.
func FromSlice(bounds []float64) (BBox, error) {
	if len(bounds) != 4 {
		return BBox{}, fmt.Errorf("%w: expected 4 values, got %d", ErrInvalidBounds, len(bounds))
	}
	return NewBBox(bounds[0], bounds[1], bounds[2], bounds[3])
}

// Validate checks that both corners are valid coordinates and that the box is
// not inverted. Boxes crossing the antimeridian are not supported upstream.
func (b BBox) Validate() error {
	sw := s2.LatLngFromDegrees(b.South, b.West)
	ne := s2.LatLngFromDegrees(b.North, b.East)
	if !sw.IsValid() {
		return fmt.Errorf("%w: south-west corner (%v, %v) out of range", ErrInvalidBounds, b.South, b.West)
	}
	if !ne.IsValid() {
		return fmt.Errorf("%w: north-east corner (%v, %v) out of range", ErrInvalidBounds, b.North, b.East)
	}
	if b.South > b.North {
		return fmt.Errorf("%w: south %v is above north %v", ErrInvalidBounds, b.South, b.North)
	}
	if b.West > b.East {
		return fmt.Errorf("%w: west %v is east of %v", ErrInvalidBounds, b.West, b.East)
	}
	return nil
}

// Rect returns the box as an s2 lat/lng rectangle.
func (b BBox) Rect() s2.Rect {
	return s2.Rect{
		Lat: r1.Interval{
			Lo: (s1.Angle(b.South) * s1.Degree).Radians(),
			Hi: (s1.Angle(b.North) * s1.Degree).Radians(),
		},
		Lng: s1.IntervalFromEndpoints(
			(s1.Angle(b.West)*s1.Degree).Radians(),
			(s1.Angle(b.East)*s1.Degree).Radians(),
		),
	}
}

// Contains reports whether the point lies inside the box, edges included.
func (b BBox) Contains(lat, lon float64) bool {
	return b.Rect().ContainsLatLng(s2.LatLngFromDegrees(lat, lon))
}

// QueryString renders the box as "west,south,east,north", the order the
// imagery API expects.
func (b BBox) QueryString() string {
	parts := []string{
		strconv.FormatFloat(b.West, 'f', -1, 64),
		strconv.FormatFloat(b.South, 'f', -1, 64),
		strconv.FormatFloat(b.East, 'f', -1, 64),
		strconv.FormatFloat(b.North, 'f', -1, 64),
	}
	return strings.Join(parts, ",")
}
