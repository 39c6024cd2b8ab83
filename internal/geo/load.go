package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/agendaanalytics/agenda-analytics/internal/config"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

// Fields names the feature properties that hold bin id, name and state code.
type Fields struct {
	ID        string
	Name      string
	StateCode string
}

// FineFields returns the municipality layer property names.
func FineFields(cfg config.GeoConfig) Fields {
	return Fields{ID: cfg.FineIDField, Name: cfg.FineNameField, StateCode: cfg.StateCodeField}
}

// CoarseFields returns the state layer property names. States are
// identified by their state code.
func CoarseFields(cfg config.GeoConfig) Fields {
	return Fields{ID: cfg.StateCodeField, Name: cfg.CoarseNameField, StateCode: cfg.StateCodeField}
}

// LoadLayers reads the municipality and state layers.
func LoadLayers(cfg config.GeoConfig) (fine, coarse Layer, err error) {
	fine, err = Load(cfg.FinePath, "Counties", FineFields(cfg))
	if err != nil {
		return Layer{}, Layer{}, err
	}
	coarse, err = Load(cfg.CoarsePath, "States", CoarseFields(cfg))
	if err != nil {
		return Layer{}, Layer{}, err
	}
	return fine, coarse, nil
}

// Load reads a layer from a GeoJSON or shapefile depending on the file
// extension. Coordinates must be WGS84.
func Load(path, name string, fields Fields) (Layer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return LoadShapefile(path, name, fields)
	case ".json", ".geojson":
		return LoadGeoJSON(path, name, fields)
	default:
		return Layer{}, apperrors.GeoError("unsupported boundary file "+path, nil)
	}
}

// LoadGeoJSON reads a feature collection of polygons and multipolygons.
func LoadGeoJSON(path, name string, fields Fields) (Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layer{}, apperrors.GeoError("read boundary file", err).WithDetail("path", path)
	}
	layer, err := ParseGeoJSON(data, name, fields)
	if err != nil {
		return Layer{}, apperrors.GeoError("parse boundary file", err).WithDetail("path", path)
	}
	return layer, nil
}

// ParseGeoJSON decodes a feature collection. Features without an area
// geometry are skipped.
func ParseGeoJSON(data []byte, name string, fields Fields) (Layer, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return Layer{}, err
	}

	layer := Layer{Name: name}
	for _, f := range fc.Features {
		var shape orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			shape = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			shape = g
		default:
			continue
		}
		layer.Bins = append(layer.Bins, NewBin(
			propString(f.Properties, fields.ID),
			propString(f.Properties, fields.Name),
			propString(f.Properties, fields.StateCode),
			shape,
		))
	}
	return layer, nil
}

func propString(props geojson.Properties, key string) string {
	if key == "" {
		return ""
	}
	switch v := props[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// LoadShapefile reads polygon records and their dBASE attributes.
func LoadShapefile(path, name string, fields Fields) (Layer, error) {
	r, err := shp.Open(path)
	if err != nil {
		return Layer{}, apperrors.GeoError("open shapefile", err).WithDetail("path", path)
	}
	defer r.Close()

	col := map[string]int{}
	for i, f := range r.Fields() {
		col[f.String()] = i
	}
	for _, key := range []string{fields.ID, fields.Name, fields.StateCode} {
		if _, ok := col[key]; key != "" && !ok {
			return Layer{}, apperrors.New(apperrors.CodeGeo, "shapefile attribute missing").
				WithDetail("path", path).WithDetail("field", key)
		}
	}
	attr := func(row int, key string) string {
		i, ok := col[key]
		if !ok {
			return ""
		}
		// dBASE pads with spaces, some writers with NULs
		return strings.Trim(r.ReadAttribute(row, i), " \x00")
	}

	layer := Layer{Name: name}
	for r.Next() {
		n, s := r.Shape()
		poly, ok := s.(*shp.Polygon)
		if !ok {
			continue
		}
		layer.Bins = append(layer.Bins, NewBin(
			attr(n, fields.ID),
			attr(n, fields.Name),
			attr(n, fields.StateCode),
			shapePolygons(poly),
		))
	}
	if err := r.Err(); err != nil {
		return Layer{}, apperrors.GeoError("read shapefile", err).WithDetail("path", path)
	}
	return layer, nil
}

// shapePolygons groups shapefile rings into polygons. Outer rings are
// clockwise, holes are counter-clockwise and belong to the outer ring
// containing them.
func shapePolygons(p *shp.Polygon) orb.MultiPolygon {
	var mp orb.MultiPolygon
	var holes []orb.Ring

	for i, start := range p.Parts {
		end := int32(len(p.Points))
		if i+1 < len(p.Parts) {
			end = p.Parts[i+1]
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if ring.Orientation() == orb.CCW {
			holes = append(holes, ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}

	for _, h := range holes {
		placed := false
		for i := range mp {
			if len(h) > 0 && planar.RingContains(mp[i][0], h[0]) {
				mp[i] = append(mp[i], h)
				placed = true
				break
			}
		}
		if !placed {
			mp = append(mp, orb.Polygon{h})
		}
	}
	return mp
}
