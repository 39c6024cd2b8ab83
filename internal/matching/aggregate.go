package matching

// DetailedRecord is one sentence-vs-target similarity.
// Fragment is the 1-based sentence position in the analysis text.
type DetailedRecord struct {
	Level0     string `json:"level0"`
	Level1     string `json:"level1"`
	Fragment   int    `json:"fragment"`
	Similarity Score  `json:"similarity"`
}

// CoarseRecord is one whole-document-vs-target similarity.
type CoarseRecord struct {
	Level0     string `json:"level0"`
	Level1     string `json:"level1"`
	Similarity Score  `json:"similarity"`
}

// TargetKey identifies a target within the taxonomy.
type TargetKey struct {
	Level0 string
	Level1 string
}

// TargetScore is an ordered view of one aggregated target.
type TargetScore struct {
	Level0 string
	Level1 string
	Score  Score
}

// GoalScore is an ordered view of one aggregated goal.
type GoalScore struct {
	Level0 string
	Title  string
	Score  Score
}

// Levels holds per-target and per-goal scores for one granularity.
type Levels struct {
	Targets map[TargetKey]Score
	Goals   map[string]Score
}

// Result is the output of Aggregate.
type Result struct {
	Threshold float64
	Detailed  Levels
	Coarse    Levels
	Overall   Score

	// Skipped counts input records that referenced unknown taxonomy entries.
	Skipped int

	taxonomy Taxonomy
}

// Aggregate computes threshold-filtered hierarchical scores.
//
// A target's detailed score is the mean of its records with similarity strictly
// above threshold, or absent when none qualify. A goal's score is the sum of its
// target scores (absent counted as 0) divided by the number of targets the goal
// has in the taxonomy. The overall score is the mean of present goal scores.
// Coarse scores ignore the threshold; a coarse similarity of 0 is absent.
func Aggregate(detailed []DetailedRecord, coarse []CoarseRecord, tax Taxonomy, threshold float64) Result {
	res := Result{
		Threshold: threshold,
		Detailed:  Levels{Targets: make(map[TargetKey]Score), Goals: make(map[string]Score)},
		Coarse:    Levels{Targets: make(map[TargetKey]Score), Goals: make(map[string]Score)},
		taxonomy:  tax,
	}

	type acc struct {
		sum float64
		n   int
	}
	groups := make(map[TargetKey]*acc)
	for _, r := range detailed {
		if !tax.Has(r.Level0, r.Level1) {
			res.Skipped++
			continue
		}
		key := TargetKey{Level0: r.Level0, Level1: r.Level1}
		a, ok := groups[key]
		if !ok {
			a = &acc{}
			groups[key] = a
		}
		v, ok := r.Similarity.Get()
		if !ok || v <= threshold {
			continue
		}
		a.sum += v
		a.n++
	}

	coarseByKey := make(map[TargetKey]Score)
	for _, r := range coarse {
		if !tax.Has(r.Level0, r.Level1) {
			res.Skipped++
			continue
		}
		s := r.Similarity
		if s.Valid && s.Value == 0 {
			s = Absent()
		}
		coarseByKey[TargetKey{Level0: r.Level0, Level1: r.Level1}] = s
	}

	goalScores := make([]Score, 0, len(tax.Goals))
	for _, g := range tax.Goals {
		targetScores := make([]Score, 0, len(g.Targets))
		coarseScores := make([]Score, 0, len(g.Targets))
		for _, tg := range g.Targets {
			key := TargetKey{Level0: g.Level0, Level1: tg.Level1}

			ts := Absent()
			if a, ok := groups[key]; ok && a.n > 0 {
				ts = Some(a.sum / float64(a.n))
			}
			res.Detailed.Targets[key] = ts
			targetScores = append(targetScores, ts)

			cs := coarseByKey[key]
			res.Coarse.Targets[key] = cs
			coarseScores = append(coarseScores, cs)
		}

		gs := SumOver(targetScores, len(g.Targets))
		res.Detailed.Goals[g.Level0] = gs
		goalScores = append(goalScores, gs)

		res.Coarse.Goals[g.Level0] = Mean(coarseScores)
	}

	res.Overall = Mean(goalScores)
	return res
}

// QualifyingCount returns how many detailed records of a target exceed threshold.
func QualifyingCount(records []DetailedRecord, level0, level1 string, threshold float64) int {
	n := 0
	for _, r := range records {
		if r.Level0 != level0 || r.Level1 != level1 {
			continue
		}
		if v, ok := r.Similarity.Get(); ok && v > threshold {
			n++
		}
	}
	return n
}

// Taxonomy returns the taxonomy the result was computed against.
func (r Result) Taxonomy() Taxonomy {
	return r.taxonomy
}

// MatchingScore returns round(100*Overall), or false when absent.
func (r Result) MatchingScore() (int, bool) {
	return r.Overall.Percent()
}

// Qualified reports whether at least one detailed target has a record above threshold.
func (r Result) Qualified() bool {
	for _, s := range r.Detailed.Targets {
		if s.Valid {
			return true
		}
	}
	return false
}

// GoalScores returns the detailed goal scores in taxonomy order.
func (r Result) GoalScores() []GoalScore {
	return r.goalScores(r.Detailed)
}

// CoarseGoalScores returns the coarse goal scores in taxonomy order.
func (r Result) CoarseGoalScores() []GoalScore {
	return r.goalScores(r.Coarse)
}

// TargetScores returns the detailed target scores in taxonomy order.
func (r Result) TargetScores() []TargetScore {
	return r.targetScores(r.Detailed)
}

// CoarseTargetScores returns the coarse target scores in taxonomy order.
func (r Result) CoarseTargetScores() []TargetScore {
	return r.targetScores(r.Coarse)
}

func (r Result) goalScores(l Levels) []GoalScore {
	out := make([]GoalScore, 0, len(r.taxonomy.Goals))
	for _, g := range r.taxonomy.Goals {
		out = append(out, GoalScore{Level0: g.Level0, Title: g.Title, Score: l.Goals[g.Level0]})
	}
	return out
}

func (r Result) targetScores(l Levels) []TargetScore {
	out := make([]TargetScore, 0, r.taxonomy.TargetCount())
	for _, g := range r.taxonomy.Goals {
		for _, tg := range g.Targets {
			key := TargetKey{Level0: g.Level0, Level1: tg.Level1}
			out = append(out, TargetScore{Level0: g.Level0, Level1: tg.Level1, Score: l.Targets[key]})
		}
	}
	return out
}
