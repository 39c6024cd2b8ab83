package geo

import "github.com/agendaanalytics/agenda-analytics/internal/matching"

// BinStats summarizes the scores of the organizations in one bin.
type BinStats struct {
	// Mean of the present scores that are not 0.
	Mean matching.Score
	// Max of all present scores, 0 included.
	Max matching.Score
	// Members counts the organizations in the bin, scored or not.
	Members int
}

// Stats holds the national figure plus one entry per municipality and
// per state, keyed by bin id.
type Stats struct {
	National       BinStats
	Municipalities map[string]BinStats
	States         map[string]BinStats
}

// Aggregate computes bin statistics over assigned organizations.
func Aggregate(orgs []Organization) Stats {
	var all []matching.Score
	byFine := map[string][]matching.Score{}
	byState := map[string][]matching.Score{}

	for _, o := range orgs {
		all = append(all, o.MatchingScore)
		byFine[o.MunicipalityID] = append(byFine[o.MunicipalityID], o.MatchingScore)
		byState[o.StateCode] = append(byState[o.StateCode], o.MatchingScore)
	}

	st := Stats{
		National:       binStats(all),
		Municipalities: make(map[string]BinStats, len(byFine)),
		States:         make(map[string]BinStats, len(byState)),
	}
	for id, scores := range byFine {
		st.Municipalities[id] = binStats(scores)
	}
	for id, scores := range byState {
		st.States[id] = binStats(scores)
	}
	return st
}

func binStats(scores []matching.Score) BinStats {
	var nonZero []matching.Score
	for _, s := range scores {
		if s.Valid && s.Value != 0 {
			nonZero = append(nonZero, s)
		}
	}
	return BinStats{
		Mean:    matching.Mean(nonZero),
		Max:     matching.Max(scores),
		Members: len(scores),
	}
}

// Range returns the minimum present non-zero score and the maximum present
// score across orgs. ok is false when no organization has a score.
func Range(orgs []Organization) (lo, hi float64, ok bool) {
	scores := make([]matching.Score, len(orgs))
	for i, o := range orgs {
		scores[i] = o.MatchingScore
	}
	max := matching.Max(scores)
	if !max.Valid {
		return 0, 0, false
	}
	min := matching.MinNonZero(scores)
	if !min.Valid {
		min = max
	}
	return min.Value, max.Value, true
}
