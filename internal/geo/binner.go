package geo

import (
	"math/rand"

	"github.com/paulmach/orb"
)

// DropReason says why an organization was left off the map.
type DropReason string

const (
	DropNoMunicipality DropReason = "no_municipality"
	DropNoState        DropReason = "no_state"
	DropSentinel       DropReason = "sentinel"
)

// Dropped is an organization that could not be binned.
type Dropped struct {
	Organization
	Reason DropReason
}

// Assignment is the outcome of binning a set of organizations.
type Assignment struct {
	Kept    []Organization
	Dropped []Dropped
	// Fine and Coarse hold only bins with at least one kept organization.
	Fine   Layer
	Coarse Layer
}

// DropCounts tallies dropped organizations by reason.
func (a Assignment) DropCounts() map[string]int {
	out := make(map[string]int)
	for _, d := range a.Dropped {
		out[string(d.Reason)]++
	}
	return out
}

// Binner assigns organizations to a municipality and a state.
type Binner struct {
	Fine   Layer
	Coarse Layer
	// SentinelID is the municipality bin that geocoders fall back to for
	// addresses they cannot resolve.
	SentinelID string
}

// Assign bins every organization. The municipality is located first; the
// state is looked up by the municipality's state code and, failing that,
// by point-in-polygon.
func (b Binner) Assign(orgs []Organization) Assignment {
	var a Assignment
	fineUsed := map[string]bool{}
	coarseUsed := map[string]bool{}

	for _, org := range orgs {
		p := org.Point()
		fine, ok := b.Fine.Locate(p)
		if !ok {
			a.Dropped = append(a.Dropped, Dropped{Organization: org, Reason: DropNoMunicipality})
			continue
		}
		if b.SentinelID != "" && fine.ID == b.SentinelID {
			a.Dropped = append(a.Dropped, Dropped{Organization: org, Reason: DropSentinel})
			continue
		}
		state, ok := b.state(fine, p)
		if !ok {
			a.Dropped = append(a.Dropped, Dropped{Organization: org, Reason: DropNoState})
			continue
		}

		org.MunicipalityID = fine.ID
		org.MunicipalityName = fine.Name
		org.StateCode = state.ID
		org.StateName = state.Name
		a.Kept = append(a.Kept, org)
		fineUsed[fine.ID] = true
		coarseUsed[state.ID] = true
	}

	a.Fine = b.Fine.Filter(func(bin Bin) bool { return fineUsed[bin.ID] })
	a.Coarse = b.Coarse.Filter(func(bin Bin) bool { return coarseUsed[bin.ID] })
	return a
}

func (b Binner) state(fine Bin, p orb.Point) (Bin, bool) {
	if fine.StateCode != "" {
		if s, ok := b.Coarse.Bin(fine.StateCode); ok {
			return s, true
		}
	}
	return b.Coarse.Locate(p)
}

// Jitter offsets every location by a uniform [0.0001, 0.0005] degrees on
// each axis so that organizations at one address do not overlap. It
// returns copies and must run after Assign.
func Jitter(orgs []Organization, rng *rand.Rand) []Organization {
	out := make([]Organization, len(orgs))
	for i, o := range orgs {
		o.Lat += jitterOffset(rng)
		o.Lng += jitterOffset(rng)
		out[i] = o
	}
	return out
}

func jitterOffset(rng *rand.Rand) float64 {
	return 0.0001 + rng.Float64()*0.0004
}
