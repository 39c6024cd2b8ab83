package choropleth

import (
	"fmt"
	"math"

	"github.com/agendaanalytics/agenda-analytics/internal/geo"
	"github.com/agendaanalytics/agenda-analytics/internal/matching"
)

// Status is how far an organization has come in the pipeline.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusCrawled    Status = "crawled"
	StatusMatched    Status = "matched"
)

// Statuses lists the marker groups in drawing order.
var Statuses = []Status{StatusDiscovered, StatusCrawled, StatusMatched}

// GroupName is the layer control label of a marker group.
func (s Status) GroupName() string {
	return fmt.Sprintf("Companies (status=%s)", s)
}

// MarkerColor is the marker colour of a group.
func (s Status) MarkerColor() string {
	switch s {
	case StatusMatched:
		return "green"
	case StatusCrawled:
		return "blue"
	default:
		return "orange"
	}
}

// Link is a labelled hyperlink.
type Link struct {
	Label string
	URL   string
}

// Marker is one organization on the map.
type Marker struct {
	geo.Organization

	// MatchingFiles and CrawlFiles are the result files of the latest
	// matching and crawl run.
	MatchingFiles []string
	CrawlFiles    []string

	// Chart is an image data URI, empty when no chart was drawn.
	Chart string

	OrganizationURL string
	CrawlRunURL     string
	MatchingRunURL  string
	KPIURL          string
	// ReportURL opens the stored report, GenerateURL builds a fresh one.
	ReportURL   string
	GenerateURL string
}

// Classify derives the marker status from the result files present. A
// matching run with no target above threshold counts as crawled.
func Classify(m Marker) Status {
	switch {
	case len(m.MatchingFiles) > 0 && m.MatchingScore.Valid:
		return StatusMatched
	case len(m.MatchingFiles) > 0, len(m.CrawlFiles) > 0:
		return StatusCrawled
	default:
		return StatusDiscovered
	}
}

// PopupScore is the score line of a marker popup. threshold is a
// similarity in [0,1].
func PopupScore(m Marker, threshold float64) string {
	if v, ok := m.MatchingScore.Get(); ok {
		return fmt.Sprintf("%d%%", int(math.Round(v)))
	}
	if len(m.MatchingFiles) > 0 {
		return fmt.Sprintf("no matching above threshold of %d%%", int(math.Round(100*threshold)))
	}
	return "no matching yet"
}

// BestPractice formats a percent score, or "-" when absent.
func BestPractice(s matching.Score) string {
	v, ok := s.Get()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%d%%", int(math.Round(v)))
}
