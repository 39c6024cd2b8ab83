// Package choropleth renders the per-agenda organization map as a
// self-contained Leaflet document.
package choropleth

import "math"

// Colors are the colormap stops from red (low) to green (high).
var Colors = []string{
	"#E34234", "#DD4D31", "#D6572E", "#D0622B",
	"#C96C28", "#C27725", "#BB8122", "#B68B1F",
	"#B1951C", "#AFAF1A", "#9BB219", "#8AA918",
	"#7A9317", "#6A8C16", "#598515", "#4A7F14",
}

// StepColormap maps a value to one of the stops spread evenly over
// [Min, Max].
type StepColormap struct {
	Min float64
	Max float64
}

// NewStepColormap builds a colormap over [min, max]. Bounds are rounded to
// whole percent.
func NewStepColormap(min, max float64) StepColormap {
	return StepColormap{Min: math.Round(min), Max: math.Round(max)}
}

// Color returns the stop colour for v. Values outside the range clamp to
// the first or last stop.
func (c StepColormap) Color(v float64) string {
	return Colors[c.Index(v)]
}

// Index returns the stop index for v.
func (c StepColormap) Index(v float64) int {
	n := len(Colors)
	if c.Max <= c.Min {
		if v >= c.Max {
			return n - 1
		}
		return 0
	}
	i := int(math.Floor((v - c.Min) / (c.Max - c.Min) * float64(n)))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Stops returns the lower bound of every stop.
func (c StepColormap) Stops() []float64 {
	n := len(Colors)
	out := make([]float64, n)
	for i := range out {
		out[i] = c.Min + (c.Max-c.Min)*float64(i)/float64(n)
	}
	return out
}
