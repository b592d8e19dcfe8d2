package llm

import "math"

// Progress is a load-progress signal as reported by a runtime. Runtimes
// report either a fraction in [0,1] or a byte pair; Percent folds both
// into one number.
type Progress struct {
	Fraction *float64 `json:"progress,omitempty"`
	Loaded   int64    `json:"loaded,omitempty"`
	Total    int64    `json:"total,omitempty"`
	Text     string   `json:"text,omitempty"`
}

// FractionProgress builds a Progress from a fraction in [0,1].
func FractionProgress(f float64) Progress {
	return Progress{Fraction: &f}
}

// BytesProgress builds a Progress from a loaded/total byte pair.
func BytesProgress(loaded, total int64) Progress {
	return Progress{Loaded: loaded, Total: total}
}

// Percent returns the signal as an integer percentage clamped to [0,100].
// A fraction takes precedence over the byte pair; a signal carrying
// neither (or a zero total) is 0.
func (p Progress) Percent() int {
	var pct float64
	switch {
	case p.Fraction != nil:
		pct = *p.Fraction * 100
	case p.Loaded > 0 && p.Total > 0:
		pct = float64(p.Loaded) / float64(p.Total) * 100
	}
	if math.IsNaN(pct) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, pct))))
}
