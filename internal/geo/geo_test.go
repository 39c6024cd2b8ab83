package geo

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

func square(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func testBinner() Binner {
	fine := Layer{Name: "Counties", Bins: []Bin{
		NewBin("A", "Alpha", "01", square(0, 0, 1, 1)),
		NewBin("B", "Beta", "02", square(1, 0, 2, 1)),
		NewBin("S", "Sentinel", "01", square(0, 1, 1, 2)),
		NewBin("C", "Orphan", "99", square(3, 0, 4, 1)),
		NewBin("D", "Delta", "", square(0, -1, 1, 0)),
	}}
	coarse := Layer{Name: "States", Bins: []Bin{
		NewBin("01", "One", "01", square(0, -1, 1, 2)),
		NewBin("02", "Two", "02", square(1, 0, 2, 1)),
		NewBin("03", "Empty", "03", square(5, 5, 6, 6)),
	}}
	return Binner{Fine: fine, Coarse: coarse, SentinelID: "S"}
}

func org(id string, lng, lat float64, score matching.Score) Organization {
	return Organization{ID: id, Name: id, Lng: lng, Lat: lat, MatchingScore: score}
}

func TestBinner_Assign(t *testing.T) {
	orgs := []Organization{
		org("o1", 0.5, 0.5, matching.Some(40)),
		org("o2", 1.5, 0.5, matching.Some(10)),
		org("o3", 0.5, 1.5, matching.Some(90)),
		org("o4", 10, 10, matching.Absent()),
		org("o5", 3.5, 0.5, matching.Absent()),
		org("o6", 0.5, -0.5, matching.Some(0)),
	}

	a := testBinner().Assign(orgs)

	require.Len(t, a.Kept, 3)
	assert.Equal(t, "A", a.Kept[0].MunicipalityID)
	assert.Equal(t, "Alpha", a.Kept[0].MunicipalityName)
	assert.Equal(t, "01", a.Kept[0].StateCode)
	assert.Equal(t, "One", a.Kept[0].StateName)
	assert.Equal(t, "02", a.Kept[1].StateCode)
	// no state code on the bin, found by point-in-polygon
	assert.Equal(t, "D", a.Kept[2].MunicipalityID)
	assert.Equal(t, "01", a.Kept[2].StateCode)

	assert.Equal(t, map[string]int{
		"sentinel":        1,
		"no_municipality": 1,
		"no_state":        1,
	}, a.DropCounts())

	fineIDs := []string{}
	for _, b := range a.Fine.Bins {
		fineIDs = append(fineIDs, b.ID)
	}
	assert.Equal(t, []string{"A", "B", "D"}, fineIDs)
	require.Len(t, a.Coarse.Bins, 2)
	assert.Equal(t, "States", a.Coarse.Name)

	// the input slice is untouched
	assert.Empty(t, orgs[0].MunicipalityID)
}

func TestBinner_NoSentinelConfigured(t *testing.T) {
	b := testBinner()
	b.SentinelID = ""
	a := b.Assign([]Organization{org("o3", 0.5, 1.5, matching.Absent())})
	require.Len(t, a.Kept, 1)
	assert.Equal(t, "S", a.Kept[0].MunicipalityID)
}

func TestAggregate(t *testing.T) {
	kept := testBinner().Assign([]Organization{
		org("o1", 0.2, 0.2, matching.Some(40)),
		org("o2", 0.4, 0.4, matching.Some(0)),
		org("o3", 0.6, 0.6, matching.Some(20)),
		org("o4", 0.8, 0.8, matching.Absent()),
		org("o5", 1.5, 0.5, matching.Some(0)),
	}).Kept

	st := Aggregate(kept)

	a := st.Municipalities["A"]
	assert.Equal(t, 4, a.Members)
	assert.InDelta(t, 30, a.Mean.Value, 1e-9)
	assert.InDelta(t, 40, a.Max.Value, 1e-9)

	b := st.Municipalities["B"]
	assert.False(t, b.Mean.Valid, "only zeros means no mean")
	require.True(t, b.Max.Valid)
	assert.Zero(t, b.Max.Value)

	assert.InDelta(t, 30, st.States["01"].Mean.Value, 1e-9)
	assert.InDelta(t, 40, st.National.Max.Value, 1e-9)
	assert.Equal(t, 5, st.National.Members)
}

func TestRange(t *testing.T) {
	lo, hi, ok := Range([]Organization{
		{MatchingScore: matching.Some(0)},
		{MatchingScore: matching.Some(12)},
		{MatchingScore: matching.Some(57)},
		{MatchingScore: matching.Absent()},
	})
	require.True(t, ok)
	assert.Equal(t, 12.0, lo)
	assert.Equal(t, 57.0, hi)

	_, _, ok = Range([]Organization{{}})
	assert.False(t, ok)
}

func TestJitter(t *testing.T) {
	orgs := []Organization{org("a", 10, 50, matching.Absent()), org("b", 10, 50, matching.Absent())}
	out := Jitter(orgs, rand.New(rand.NewSource(7)))

	require.Len(t, out, 2)
	for _, o := range out {
		dLat, dLng := o.Lat-50, o.Lng-10
		assert.GreaterOrEqual(t, dLat, 0.0001)
		assert.LessOrEqual(t, dLat, 0.0005)
		assert.GreaterOrEqual(t, dLng, 0.0001)
		assert.LessOrEqual(t, dLng, 0.0005)
	}
	assert.NotEqual(t, out[0].Point(), out[1].Point())
	assert.Equal(t, 50.0, orgs[0].Lat)
}

const testCollection = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature",
     "properties": {"DEBKG_ID": "K1", "GEN": "Ring", "SN_L": 5},
     "geometry": {"type": "Polygon", "coordinates": [
        [[0,0],[4,0],[4,4],[0,4],[0,0]],
        [[1,1],[1,3],[3,3],[3,1],[1,1]]]}},
    {"type": "Feature",
     "properties": {"DEBKG_ID": "P1"},
     "geometry": {"type": "Point", "coordinates": [1, 1]}}
  ]
}`

func TestParseGeoJSON(t *testing.T) {
	layer, err := ParseGeoJSON([]byte(testCollection), "Counties", Fields{ID: "DEBKG_ID", Name: "GEN", StateCode: "SN_L"})
	require.NoError(t, err)

	require.Len(t, layer.Bins, 1)
	b := layer.Bins[0]
	assert.Equal(t, "K1", b.ID)
	assert.Equal(t, "Ring", b.Name)
	assert.Equal(t, "5", b.StateCode)

	assert.True(t, b.Contains(orb.Point{0.5, 0.5}))
	assert.False(t, b.Contains(orb.Point{2, 2}), "point in hole")
	assert.False(t, b.Contains(orb.Point{5, 5}))
}

func TestLayer_FeatureCollection(t *testing.T) {
	layer := Layer{Bins: []Bin{NewBin("A", "Alpha", "01", square(0, 0, 1, 1))}}
	fc := layer.FeatureCollection(func(b Bin) map[string]any {
		return map[string]any{"fill": "#ffffff"}
	})

	require.Len(t, fc.Features, 1)
	props := fc.Features[0].Properties
	assert.Equal(t, "A", props["id"])
	assert.Equal(t, "Alpha", props["name"])
	assert.Equal(t, "#ffffff", props["fill"])

	data, err := fc.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"MultiPolygon"`)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load("boundaries.kml", "x", Fields{})
	assert.Error(t, err)
}

// writeKreise writes a one-polygon shapefile. go-shp's writer names the
// attribute table "<base>dbf", so it is moved next to the .shp.
func writeKreise(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "kreise.shp")

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("DEBKG_ID", 20),
		shp.StringField("GEN", 40),
		shp.StringField("SN_L", 4),
	}))
	// clockwise outer ring with a counter-clockwise hole
	poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{
		{{X: 0, Y: 0}, {X: 0, Y: 4}, {X: 4, Y: 4}, {X: 4, Y: 0}, {X: 0, Y: 0}},
		{{X: 1, Y: 1}, {X: 3, Y: 1}, {X: 3, Y: 3}, {X: 1, Y: 3}, {X: 1, Y: 1}},
	}))
	n := w.Write(&poly)
	require.NoError(t, w.WriteAttribute(int(n), 0, "K9"))
	require.NoError(t, w.WriteAttribute(int(n), 1, "Neun"))
	require.NoError(t, w.WriteAttribute(int(n), 2, "09"))
	w.Close()

	require.NoError(t, os.Rename(filepath.Join(dir, "kreisedbf"), filepath.Join(dir, "kreise.dbf")))
	return path
}

func TestLoadShapefile(t *testing.T) {
	path := writeKreise(t, t.TempDir())

	layer, err := Load(path, "Counties", Fields{ID: "DEBKG_ID", Name: "GEN", StateCode: "SN_L"})
	require.NoError(t, err)
	require.Len(t, layer.Bins, 1)

	b := layer.Bins[0]
	// values come back without the writer's NUL padding
	assert.Equal(t, "K9", b.ID)
	assert.Equal(t, "Neun", b.Name)
	assert.Equal(t, "09", b.StateCode)
	require.Len(t, b.Shape, 1)
	assert.Len(t, b.Shape[0], 2, "hole attached to its outer ring")
	assert.True(t, b.Contains(orb.Point{0.5, 0.5}))
	assert.False(t, b.Contains(orb.Point{2, 2}))
}

func TestLoadShapefile_MissingAttributes(t *testing.T) {
	dir := t.TempDir()
	path := writeKreise(t, dir)

	_, err := Load(path, "Counties", Fields{ID: "DEBKG_ID", Name: "NAME", StateCode: "SN_L"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeGeo, apperrors.CodeOf(err))

	require.NoError(t, os.Remove(filepath.Join(dir, "kreise.dbf")))
	_, err = Load(path, "Counties", Fields{ID: "DEBKG_ID", Name: "GEN", StateCode: "SN_L"})
	assert.Equal(t, apperrors.CodeGeo, apperrors.CodeOf(err), "a shapefile without its attribute table has no bin ids")
}
