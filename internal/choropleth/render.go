package choropleth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/a-h/templ"

	"github.com/agendaanalytics/agenda-analytics/internal/geo"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

// Map view defaults.
var (
	Center = [2]float64{50, 10}
	Zoom   = 6
)

const borderColor = "#1B6986"

// Map is everything drawn on one agenda map.
type Map struct {
	Title   string
	Caption string
	// Threshold is the matching threshold in [0,1].
	Threshold float64

	Agenda Link
	Others []Link

	// Fine and Coarse hold the bins with at least one organization.
	Fine   geo.Layer
	Coarse geo.Layer
	Stats  geo.Stats

	Markers []Marker
}

type markerData struct {
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Popup string  `json:"popup"`
}

type groupData struct {
	Name    string       `json:"name"`
	Color   string       `json:"color"`
	Markers []markerData `json:"markers"`
}

type pageData struct {
	Center   [2]float64      `json:"center"`
	Zoom     int             `json:"zoom"`
	Border   string          `json:"border"`
	States   json.RawMessage `json:"states,omitempty"`
	Counties json.RawMessage `json:"counties,omitempty"`
	Groups   []groupData     `json:"groups"`
}

// Render writes the map document to w.
func Render(ctx context.Context, w io.Writer, m Map) error {
	if err := Page(m).Render(ctx, w); err != nil {
		return apperrors.RenderError("render map", err)
	}
	return nil
}

// Colormap returns the colormap over the marker scores, or false when no
// organization has a score.
func (m Map) Colormap() (StepColormap, bool) {
	orgs := make([]geo.Organization, len(m.Markers))
	for i, mk := range m.Markers {
		orgs[i] = mk.Organization
	}
	lo, hi, ok := geo.Range(orgs)
	if !ok {
		return StepColormap{}, false
	}
	return NewStepColormap(lo, hi), true
}

func (m Map) data(ctx context.Context) (pageData, error) {
	d := pageData{Center: Center, Zoom: Zoom, Border: borderColor}

	if cm, ok := m.Colormap(); ok {
		states, err := shaded(m.Coarse, m.Stats.States, cm)
		if err != nil {
			return d, err
		}
		counties, err := shaded(m.Fine, m.Stats.Municipalities, cm)
		if err != nil {
			return d, err
		}
		d.States, d.Counties = states, counties
	}

	groups := make(map[Status]*groupData, len(Statuses))
	for _, s := range Statuses {
		groups[s] = &groupData{Name: s.GroupName(), Color: s.MarkerColor(), Markers: []markerData{}}
	}
	for _, mk := range m.Markers {
		var buf bytes.Buffer
		if err := Popup(mk, m).Render(ctx, &buf); err != nil {
			return d, err
		}
		g := groups[Classify(mk)]
		g.Markers = append(g.Markers, markerData{Name: mk.Name, Lat: mk.Lat, Lng: mk.Lng, Popup: buf.String()})
	}
	for _, s := range Statuses {
		d.Groups = append(d.Groups, *groups[s])
	}
	return d, nil
}

// shaded keeps the bins with a mean score and fills them from the colormap.
func shaded(layer geo.Layer, stats map[string]geo.BinStats, cm StepColormap) (json.RawMessage, error) {
	scored := layer.Filter(func(b geo.Bin) bool { return stats[b.ID].Mean.Valid })
	fc := scored.FeatureCollection(func(b geo.Bin) map[string]any {
		mean := stats[b.ID].Mean.Value
		return map[string]any{"fill": cm.Color(mean), "score": mean}
	})
	return fc.MarshalJSON()
}

// Page is the full map document.
func Page(m Map) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		d, err := m.data(ctx)
		if err != nil {
			return err
		}
		js, err := json.Marshal(d)
		if err != nil {
			return err
		}

		e := templ.EscapeString[string]
		if _, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<link rel="stylesheet" href="https://unpkg.com/leaflet.markercluster@1.5.3/dist/MarkerCluster.css">
<link rel="stylesheet" href="https://unpkg.com/leaflet.markercluster@1.5.3/dist/MarkerCluster.Default.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<script src="https://unpkg.com/leaflet.markercluster@1.5.3/dist/leaflet.markercluster.js"></script>
<script src="https://unpkg.com/leaflet.featuregroup.subgroup@1.0.2/dist/leaflet.featuregroup.subgroup.js"></script>
<style>%s</style>
</head>
<body>
<h1 id="map-title">%s</h1>
`, e(m.Title), pageCSS, e(m.Title)); err != nil {
			return err
		}
		if err := Sidebar(m.Agenda, m.Others).Render(ctx, w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<div id="map"></div>`+"\n"); err != nil {
			return err
		}
		if cm, ok := m.Colormap(); ok {
			if err := Legend(m.Caption, cm).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err = fmt.Fprintf(w, "<script id=\"map-data\" type=\"application/json\">%s</script>\n<script>%s</script>\n</body>\n</html>\n", js, mapScript)
		return err
	})
}

// Sidebar links the current agenda and lists the others.
func Sidebar(current Link, others []Link) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		e := templ.EscapeString[string]
		var b bytes.Buffer
		b.WriteString(`<header id="sidebar">`)
		fmt.Fprintf(&b, `<a class="agenda-current" href="%s" rel="noopener noreferrer" target="_blank">%s</a>`, e(current.URL), e(current.Label))
		b.WriteString(`<p>Other agendas:</p><ul class="agenda-others">`)
		for _, o := range others {
			fmt.Fprintf(&b, `<li><a href="%s" rel="noopener noreferrer" target="_blank">%s</a></li>`, e(o.URL), e(o.Label))
		}
		b.WriteString("</ul></header>\n")
		_, err := w.Write(b.Bytes())
		return err
	})
}

// Legend shows the caption and the colormap stops.
func Legend(caption string, cm StepColormap) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b bytes.Buffer
		fmt.Fprintf(&b, `<div id="legend"><div class="legend-caption">%s</div><div class="legend-scale">`, templ.EscapeString(caption))
		for i, stop := range cm.Stops() {
			fmt.Fprintf(&b, `<span class="legend-step" style="background:%s" title="%.0f"></span>`, Colors[i], stop)
		}
		fmt.Fprintf(&b, `</div><div class="legend-range"><span>%.0f</span><span>%.0f</span></div></div>`+"\n", cm.Min, cm.Max)
		_, err := w.Write(b.Bytes())
		return err
	})
}

// Popup is the marker popup of one organization.
func Popup(mk Marker, m Map) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		e := templ.EscapeString[string]
		var b bytes.Buffer

		b.WriteString(`<div class="popup">`)
		fmt.Fprintf(&b, `<p class="org-name"><b>%s</b></p>`, e(mk.Name))
		fmt.Fprintf(&b, `<p class="score">Overall Agenda Matching Score: %s</p>`, e(PopupScore(mk, m.Threshold)))
		if mk.Chart != "" {
			fmt.Fprintf(&b, `<div class="chart"><img src="%s" width="65%%"></div>`, e(mk.Chart))
		}
		b.WriteString(`<p class="note">(*computed by detailed analysis)</p>`)
		fmt.Fprintf(&b, `<p class="note threshold">(**matching threshold used for integrating documents: %.0f%%)</p><hr/>`, 100*m.Threshold)

		fmt.Fprintf(&b, `<p class="bp-national">Best-Practice nationwide: %s</p>`, BestPractice(m.Stats.National.Max))
		fmt.Fprintf(&b, `<p class="bp-state">Best-Practice in %s: %s</p>`, e(mk.StateName), BestPractice(m.Stats.States[mk.StateCode].Max))
		fmt.Fprintf(&b, `<p class="bp-municipality">Best-Practice in %s: %s</p><hr/>`, e(mk.MunicipalityName), BestPractice(m.Stats.Municipalities[mk.MunicipalityID].Max))

		if len(mk.MatchingFiles) > 0 && mk.ReportURL != "" {
			fmt.Fprintf(&b, `<p class="report"><a href="%s" rel="noopener noreferrer" target="_blank">Open Report</a>`, e(mk.ReportURL))
			if mk.GenerateURL != "" {
				fmt.Fprintf(&b, ` (or <a href="%s" rel="noopener noreferrer" target="_blank">Generate Report</a>)`, e(mk.GenerateURL))
			}
			b.WriteString(`</p><hr/>`)
		}

		b.WriteString(`<p>Underlying data in the entity broker:</p><ul class="entities">`)
		for _, l := range entityLinks(mk) {
			if l.URL == "" {
				fmt.Fprintf(&b, `<li>%s</li>`, e(l.Label))
				continue
			}
			fmt.Fprintf(&b, `<li><a href="%s" rel="noopener noreferrer" target="_blank">%s</a></li>`, e(l.URL), e(l.Label))
		}
		b.WriteString(`</ul></div>`)

		_, err := w.Write(b.Bytes())
		return err
	})
}

func entityLinks(mk Marker) []Link {
	links := []Link{{Label: "Organization Entity", URL: mk.OrganizationURL}}
	if mk.CrawlRunURL != "" {
		links = append(links, Link{Label: "Most recent Crawling Entity", URL: mk.CrawlRunURL})
	} else {
		links = append(links, Link{Label: "No crawling has been done yet"})
	}
	if mk.MatchingRunURL != "" {
		links = append(links, Link{Label: "Corresponding Matching Entity", URL: mk.MatchingRunURL})
		if mk.KPIURL != "" {
			links = append(links, Link{Label: "Corresponding KPI Entity", URL: mk.KPIURL})
		}
	} else {
		links = append(links, Link{Label: "No matching has been done yet"})
	}
	return links
}

const pageCSS = `html,body{margin:0;height:100%;font-family:arial,sans-serif}
#map{position:absolute;top:0;bottom:0;left:0;right:0}
#map-title{position:absolute;z-index:1000;top:8px;left:60px;margin:0;font-size:18px;background:rgba(255,255,255,.8);padding:4px 8px}
#sidebar{position:absolute;z-index:1000;bottom:24px;left:8px;max-width:220px;background:rgba(255,255,255,.9);padding:8px;font-size:12px}
#legend{position:absolute;z-index:1000;bottom:24px;right:8px;background:rgba(255,255,255,.9);padding:8px;font-size:12px}
.legend-step{display:inline-block;width:12px;height:12px}
.legend-range{display:flex;justify-content:space-between}
.popup .note{font-size:7pt;font-style:italic}`

const mapScript = `(function(){
var d = JSON.parse(document.getElementById('map-data').textContent);
var map = L.map('map', {center: d.center, zoom: d.zoom, minZoom: 5, maxZoom: 18});
L.tileLayer('https://{s}.basemaps.cartocdn.com/light_all/{z}/{x}/{y}.png', {
  attribution: '&copy; OpenStreetMap contributors &copy; CARTO'
}).addTo(map);
function style(f) {
  return {fillColor: f.properties.fill, color: d.border, weight: 1, opacity: 1, fillOpacity: 0.3};
}
function tip(f, l) { l.bindTooltip(f.properties.name); }
var overlays = {};
if (d.states) {
  overlays['States'] = L.geoJSON(d.states, {style: style, onEachFeature: tip}).addTo(map);
}
if (d.counties) {
  overlays['Counties'] = L.geoJSON(d.counties, {style: style, onEachFeature: tip});
}
var cluster = L.markerClusterGroup({disableClusteringAtZoom: 8}).addTo(map);
d.groups.forEach(function(g) {
  var sub = L.featureGroup.subGroup(cluster);
  g.markers.forEach(function(m) {
    L.circleMarker([m.lat, m.lng], {color: g.color, fillColor: g.color, fillOpacity: 0.8, radius: 7})
      .bindTooltip(m.name)
      .bindPopup(m.popup, {maxWidth: 600})
      .addTo(sub);
  });
  sub.addTo(map);
  overlays[g.name] = sub;
});
L.control.layers(null, overlays, {collapsed: false}).addTo(map);
})();`
