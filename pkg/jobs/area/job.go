// Package area provides the job computing the surface area of GeoJSON input.
package area

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// Output is the stored result of an area task.
type Output struct {
	// Area in square metres, computed on a spherical earth.
	Area float64 `json:"area"`
}

type Job struct{}

func New() *Job {
	return &Job{}
}

func (*Job) TaskType() models.TaskType {
	return models.TaskTypeArea
}

// Execute reads the task input as a GeoJSON Geometry, Feature or
// FeatureCollection. The document may also arrive encoded as a JSON string.
func (j *Job) Execute(ctx context.Context, request protocol.JobRequest, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "area_job", "task_id", request.Task.ID)

	geometry, err := Parse(request.Task.Input)
	if err != nil {
		logger.WarnContext(ctx, "rejecting task input", "error", err)

		return nil, err
	}

	area := math.Abs(geo.Area(geometry))

	logger.DebugContext(ctx, "area computed", "geometry_type", geometry.GeoJSONType(), "area", area)

	return Output{Area: area}, nil
}

// Parse decodes raw GeoJSON into a single geometry. Feature collections become
// an orb.Collection of their feature geometries.
func Parse(raw json.RawMessage) (orb.Geometry, error) {
	data := bytes.TrimSpace(raw)

	if len(data) > 0 && data[0] == '"' {
		var encoded string

		err := json.Unmarshal(data, &encoded)
		if err != nil {
			return nil, invalid(err)
		}

		data = []byte(encoded)
	}

	var header struct {
		Type string `json:"type"`
	}

	err := json.Unmarshal(data, &header)
	if err != nil {
		return nil, invalid(err)
	}

	switch header.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, invalid(err)
		}

		collection := make(orb.Collection, 0, len(fc.Features))
		for _, feature := range fc.Features {
			if feature.Geometry != nil {
				collection = append(collection, feature.Geometry)
			}
		}

		return collection, nil
	case "Feature":
		feature, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, invalid(err)
		}

		if feature.Geometry == nil {
			return nil, invalid(errNoGeometry)
		}

		return feature.Geometry, nil
	case "Point", "MultiPoint", "LineString", "MultiLineString", "Polygon", "MultiPolygon", "GeometryCollection":
		geometry, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, invalid(err)
		}

		return geometry.Geometry(), nil
	default:
		return nil, invalid(fmt.Errorf("unsupported type %q", header.Type))
	}
}

var errNoGeometry = errors.New("feature has no geometry")

func invalid(err error) error {
	return fmt.Errorf("%w: invalid GeoJSON: %w", protocol.ErrInvalidInput, err)
}
