// Package geo bins geolocated organizations into administrative boundary
// layers and aggregates their matching scores per bin.
package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/agendaanalytics/agenda-analytics/internal/matching"
)

// Organization is a geolocated organization with its matching score.
// MatchingScore is in percent units.
type Organization struct {
	ID            string
	Name          string
	Lat           float64
	Lng           float64
	MatchingScore matching.Score

	MunicipalityID   string
	MunicipalityName string
	StateCode        string
	StateName        string
}

// Point returns the organization location in (lng, lat) order.
func (o Organization) Point() orb.Point {
	return orb.Point{o.Lng, o.Lat}
}

// Bin is one boundary area of a layer.
type Bin struct {
	ID        string
	Name      string
	StateCode string
	Shape     orb.MultiPolygon
	Bound     orb.Bound
}

// NewBin builds a bin and precomputes its bounding box.
func NewBin(id, name, stateCode string, shape orb.MultiPolygon) Bin {
	return Bin{ID: id, Name: name, StateCode: stateCode, Shape: shape, Bound: shape.Bound()}
}

// Contains reports whether p lies inside the bin.
func (b Bin) Contains(p orb.Point) bool {
	if !b.Bound.Contains(p) {
		return false
	}
	return planar.MultiPolygonContains(b.Shape, p)
}

// Layer is a named set of bins.
type Layer struct {
	Name string
	Bins []Bin
}

// Locate returns the first bin containing p.
func (l Layer) Locate(p orb.Point) (Bin, bool) {
	for _, b := range l.Bins {
		if b.Contains(p) {
			return b, true
		}
	}
	return Bin{}, false
}

// Bin returns the bin with the given id.
func (l Layer) Bin(id string) (Bin, bool) {
	for _, b := range l.Bins {
		if b.ID == id {
			return b, true
		}
	}
	return Bin{}, false
}

// Filter returns a layer holding the bins for which keep returns true.
func (l Layer) Filter(keep func(Bin) bool) Layer {
	out := Layer{Name: l.Name}
	for _, b := range l.Bins {
		if keep(b) {
			out.Bins = append(out.Bins, b)
		}
	}
	return out
}

// FeatureCollection converts the layer to GeoJSON. Each feature carries
// id, name and state_code plus whatever props returns for its bin.
func (l Layer) FeatureCollection(props func(Bin) map[string]any) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, b := range l.Bins {
		f := geojson.NewFeature(b.Shape)
		f.ID = b.ID
		f.Properties["id"] = b.ID
		f.Properties["name"] = b.Name
		f.Properties["state_code"] = b.StateCode
		if props != nil {
			for k, v := range props(b) {
				f.Properties[k] = v
			}
		}
		fc.Append(f)
	}
	return fc
}
