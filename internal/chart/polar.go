// Package chart draws the per-organization goal chart shown in map popups.
package chart

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/fogleman/gg"

	"github.com/agendaanalytics/agenda-analytics/internal/matching"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

// SDGColors are the official goal colours, indexed by goal number - 1.
var SDGColors = []string{
	"#e5243b", "#dda63a", "#4c9F38", "#c5192d", "#ff3a21", "#26bde2",
	"#fcc30b", "#a21942", "#fd6925", "#dd1367", "#fd9d24", "#bf8b2e",
	"#3f7e44", "#0a97d9", "#56c02b", "#00689d", "#19486a",
}

// Bar is one goal wedge. Score is a similarity in [0,1]; absent draws as 0.
type Bar struct {
	Level0 string
	Title  string
	Score  matching.Score
}

// Label returns "<num>.<title> → N%".
func (b Bar) Label() string {
	pct, _ := b.Score.Percent()
	return fmt.Sprintf("%s.%s → %d%%", b.Level0, b.Title, pct)
}

// Color returns the wedge colour for a goal. Goals past 17 cycle through
// the palette; non-numeric goals use their position.
func Color(level0 string, position int) string {
	n, err := strconv.Atoi(level0)
	if err != nil || n < 1 {
		n = position + 1
	}
	return SDGColors[(n-1)%len(SDGColors)]
}

// WedgeAngles returns the start and end angle of wedge i of n in radians.
// Angles grow clockwise on screen and wedge 0 starts at north.
func WedgeAngles(i, n int) (float64, float64) {
	width := 2 * math.Pi / float64(n)
	start := -math.Pi/2 + float64(i)*width
	return start, start + width
}

const baselineWidth = 3

// Ordered returns a copy of bars sorted by goal number, so "10" follows "9".
func Ordered(bars []Bar) []Bar {
	out := slices.Clone(bars)
	slices.SortStableFunc(out, func(a, b Bar) int { return matching.CompareIDs(a.Level0, b.Level0) })
	return out
}

// Polar draws a polar bar chart of goals as a size x size PNG, one wedge
// per goal in goal number order.
func Polar(bars []Bar, size int) ([]byte, error) {
	if len(bars) == 0 {
		return nil, apperrors.ValidationError("polar chart needs at least one bar")
	}
	if size < 64 {
		return nil, apperrors.ValidationError("polar chart size must be at least 64")
	}
	bars = Ordered(bars)

	peak := 0.0
	for _, b := range bars {
		peak = math.Max(peak, b.Score.OrZero())
	}
	if peak == 0 {
		peak = 1
	}

	s := float64(size)
	cx, cy := s/2, s/2
	radius := s * 0.3

	dc := gg.NewContext(size, size)
	dc.SetHexColor("#ffffff")
	dc.Clear()

	for i, b := range bars {
		a0, a1 := WedgeAngles(i, len(bars))
		color := Color(b.Level0, i)
		h := b.Score.OrZero() / peak * radius

		if h <= 0 {
			dc.NewSubPath()
			dc.DrawArc(cx, cy, baselineWidth, a0, a1)
			dc.SetHexColor(color)
			dc.SetLineWidth(baselineWidth)
			dc.Stroke()
		} else {
			dc.NewSubPath()
			dc.MoveTo(cx, cy)
			dc.DrawArc(cx, cy, h, a0, a1)
			dc.ClosePath()
			dc.SetHexColor(color)
			dc.FillPreserve()
			dc.SetHexColor("#ffffff")
			dc.SetLineWidth(2)
			dc.Stroke()
		}

		mid := (a0 + a1) / 2
		lx := cx + (h+8)*math.Cos(mid)
		ly := cy + (h+8)*math.Sin(mid)
		anchor := 0.0
		if math.Cos(mid) < 0 {
			anchor = 1
		}
		dc.SetHexColor("#333333")
		dc.DrawStringAnchored(b.Label(), lx, ly, anchor, 0.5)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, apperrors.RenderError("encode chart", err)
	}
	return buf.Bytes(), nil
}

// DataURI embeds a PNG for use in an <img> src attribute.
func DataURI(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
