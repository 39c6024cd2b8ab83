package matching

import (
	"sort"
	"strconv"
	"strings"
)

// Target is a second-level reference entry.
type Target struct {
	Level1 string `json:"level1"`
	Text   string `json:"text"`
}

// Goal is a first-level reference entry with its targets.
type Goal struct {
	Level0  string   `json:"level0"`
	Title   string   `json:"title"`
	Targets []Target `json:"targets"`
}

// Taxonomy is the ordered two-level reference agenda.
type Taxonomy struct {
	Goals []Goal `json:"goals"`
}

// Reference is one reference text as stored in a KPI payload.
type Reference struct {
	Title  string `json:"title"`
	Level0 string `json:"level0"`
	Level1 string `json:"level1"`
	Text   string `json:"text"`
}

// CompareIDs orders level identifiers numerically ("9" < "10").
// Non-numeric identifiers sort after numeric ones, lexically.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.Atoi(strings.TrimSpace(a))
	bi, berr := strconv.Atoi(strings.TrimSpace(b))
	switch {
	case aerr == nil && berr == nil:
		if ai < bi {
			return -1
		}
		if ai > bi {
			return 1
		}
		return 0
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// TaxonomyFromReferences builds a sorted taxonomy from reference texts.
// The goal title is taken from the first reference of that goal.
// Duplicate (level0, level1) pairs keep the first text.
func TaxonomyFromReferences(refs []Reference) Taxonomy {
	idx := make(map[string]int)
	seen := make(map[TargetKey]bool)
	var t Taxonomy

	for _, ref := range refs {
		if ref.Level0 == "" || ref.Level1 == "" {
			continue
		}
		gi, ok := idx[ref.Level0]
		if !ok {
			gi = len(t.Goals)
			idx[ref.Level0] = gi
			t.Goals = append(t.Goals, Goal{Level0: ref.Level0, Title: ref.Title})
		}
		key := TargetKey{Level0: ref.Level0, Level1: ref.Level1}
		if seen[key] {
			continue
		}
		seen[key] = true
		t.Goals[gi].Targets = append(t.Goals[gi].Targets, Target{Level1: ref.Level1, Text: ref.Text})
	}

	t.Sort()
	return t
}

// Sort orders goals and their targets numerically by identifier.
func (t *Taxonomy) Sort() {
	sort.SliceStable(t.Goals, func(i, j int) bool {
		return CompareIDs(t.Goals[i].Level0, t.Goals[j].Level0) < 0
	})
	for gi := range t.Goals {
		targets := t.Goals[gi].Targets
		sort.SliceStable(targets, func(i, j int) bool {
			return CompareIDs(targets[i].Level1, targets[j].Level1) < 0
		})
	}
}

// Goal looks up a goal by level0.
func (t Taxonomy) Goal(level0 string) (Goal, bool) {
	for _, g := range t.Goals {
		if g.Level0 == level0 {
			return g, true
		}
	}
	return Goal{}, false
}

// Has reports whether the taxonomy contains the (level0, level1) pair.
func (t Taxonomy) Has(level0, level1 string) bool {
	g, ok := t.Goal(level0)
	if !ok {
		return false
	}
	for _, tg := range g.Targets {
		if tg.Level1 == level1 {
			return true
		}
	}
	return false
}

// TargetCount returns the number of targets across all goals.
func (t Taxonomy) TargetCount() int {
	n := 0
	for _, g := range t.Goals {
		n += len(g.Targets)
	}
	return n
}
