// Package matching aggregates raw sentence/document similarity records into
// threshold-filtered target, goal and overall scores.
package matching

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Score is an optional similarity value in [0,1].
// The zero value is absent, which is distinct from a measured 0.
type Score struct {
	Value float64
	Valid bool
}

// Some returns a present score. NaN and Inf are treated as absent.
func Some(v float64) Score {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Score{}
	}
	return Score{Value: v, Valid: true}
}

// Absent returns the absent score.
func Absent() Score {
	return Score{}
}

// Get returns the value and whether it is present.
func (s Score) Get() (float64, bool) {
	return s.Value, s.Valid
}

// OrZero returns the value, or 0 when absent.
func (s Score) OrZero() float64 {
	if !s.Valid {
		return 0
	}
	return s.Value
}

// Percent returns round(100*v) using round-half-even, or false when absent.
func (s Score) Percent() (int, bool) {
	if !s.Valid {
		return 0, false
	}
	return int(math.RoundToEven(100 * s.Value)), true
}

// Equal reports whether both scores are absent or hold the same value.
func (s Score) Equal(o Score) bool {
	if s.Valid != o.Valid {
		return false
	}
	return !s.Valid || s.Value == o.Value
}

func (s Score) String() string {
	if !s.Valid {
		return "absent"
	}
	return strconv.FormatFloat(s.Value, 'g', -1, 64)
}

// MarshalJSON encodes an absent score as null.
func (s Score) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}

// UnmarshalJSON accepts numbers, null, and the legacy "None"/"NaN" strings.
func (s *Score) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*s = Score{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "", "none", "nan", "null":
			*s = Score{}
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return err
		}
		*s = Some(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Some(v)
	return nil
}

// Mean returns the arithmetic mean of the present scores, or absent if none are present.
func Mean(scores []Score) Score {
	var sum float64
	n := 0
	for _, s := range scores {
		if s.Valid {
			sum += s.Value
			n++
		}
	}
	if n == 0 {
		return Score{}
	}
	return Some(sum / float64(n))
}

// SumOver adds the scores with absent counted as 0 and divides by n,
// the full number of slots. n <= 0 yields absent.
func SumOver(scores []Score, n int) Score {
	if n <= 0 {
		return Score{}
	}
	var sum float64
	for _, s := range scores {
		sum += s.OrZero()
	}
	return Some(sum / float64(n))
}

// Max returns the largest present score, or absent if none are present.
func Max(scores []Score) Score {
	var best Score
	for _, s := range scores {
		if s.Valid && (!best.Valid || s.Value > best.Value) {
			best = s
		}
	}
	return best
}

// MinNonZero returns the smallest present score that is not 0.
func MinNonZero(scores []Score) Score {
	var best Score
	for _, s := range scores {
		if !s.Valid || s.Value == 0 {
			continue
		}
		if !best.Valid || s.Value < best.Value {
			best = s
		}
	}
	return best
}
