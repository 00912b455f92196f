// Package geospatial validates project boundaries submitted as GeoJSON
package geospatial

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Boundary is a parsed project boundary
type Boundary struct {
	Geometry orb.Geometry
	// AreaHectares is the geodesic area of the polygon(s)
	AreaHectares float64
	Centroid     orb.Point
}

// ParseBoundary accepts a GeoJSON Feature or bare geometry whose geometry is
// a Polygon or MultiPolygon with WGS84 coordinates.
func ParseBoundary(raw []byte) (*Boundary, error) {
	geometry, err := decode(raw)
	if err != nil {
		return nil, err
	}

	switch geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, fmt.Errorf("boundary must be a Polygon or MultiPolygon, got %s", geometry.GeoJSONType())
	}

	bound := geometry.Bound()
	if bound.Min.Lon() < -180 || bound.Max.Lon() > 180 || bound.Min.Lat() < -90 || bound.Max.Lat() > 90 {
		return nil, errors.New("boundary coordinates are outside WGS84 range")
	}

	area := geo.Area(geometry)
	if area <= 0 {
		return nil, errors.New("boundary has no area")
	}
	centroid, _ := planar.CentroidArea(geometry)

	return &Boundary{
		Geometry:     geometry,
		AreaHectares: ConvertToHectares(area),
		Centroid:     centroid,
	}, nil
}

func decode(raw []byte) (orb.Geometry, error) {
	if feature, err := geojson.UnmarshalFeature(raw); err == nil && feature.Geometry != nil {
		return feature.Geometry, nil
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}
	if g.Geometry() == nil {
		return nil, errors.New("invalid GeoJSON: no geometry")
	}
	return g.Geometry(), nil
}

// ConvertToHectares converts square meters to hectares
func ConvertToHectares(sqMeters float64) float64 {
	return sqMeters / 10000
}
