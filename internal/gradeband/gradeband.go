// Package gradeband converts a percentage into a qualitative grade using an
// ordered list of closed [min, max] bands. When bands overlap the first
// matching band in defined order wins.
package gradeband

import (
	"fmt"
	"sort"

	"github.com/pavelanni/schoolexam/internal/model"
)

// Convert returns the first band whose closed interval contains percentage.
// ErrNoMatchingBand signals a configuration gap; callers fall back to showing
// the raw percentage.
func Convert(percentage float64, bands []model.GradeBand) (model.GradeBand, error) {
	for _, b := range bands {
		if b.Contains(percentage) {
			return b, nil
		}
	}
	return model.GradeBand{}, fmt.Errorf("%w: %.2f", model.ErrNoMatchingBand, percentage)
}

// Gap is an uncovered percentage range.
type Gap struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Report describes how a band set covers [0, 100].
type Report struct {
	Gaps     []Gap
	Overlaps [][2]int // positions (indexes) of overlapping band pairs
}

// Complete reports whether every percentage in [0, 100] maps to a band.
func (r Report) Complete() bool { return len(r.Gaps) == 0 }

// CheckCoverage validates individual bands and reports gaps and overlaps.
// Gaps between adjacent bands are reported when their bounds are not
// contiguous (e.g. 59 and 60 leave (59, 60) uncovered).
func CheckCoverage(bands []model.GradeBand) (Report, error) {
	var rep Report
	if len(bands) == 0 {
		return rep, fmt.Errorf("%w: no bands", model.ErrInvalidBands)
	}
	for i, b := range bands {
		if b.Label == "" {
			return rep, fmt.Errorf("%w: band %d has no label", model.ErrInvalidBands, i)
		}
		if b.MinScore > b.MaxScore {
			return rep, fmt.Errorf("%w: band %q min > max", model.ErrInvalidBands, b.Label)
		}
		if b.MinScore < 0 || b.MaxScore > 100 {
			return rep, fmt.Errorf("%w: band %q outside [0, 100]", model.ErrInvalidBands, b.Label)
		}
	}

	for i := range bands {
		for j := i + 1; j < len(bands); j++ {
			if bands[i].MinScore <= bands[j].MaxScore && bands[j].MinScore <= bands[i].MaxScore {
				rep.Overlaps = append(rep.Overlaps, [2]int{i, j})
			}
		}
	}

	sorted := make([]model.GradeBand, len(bands))
	copy(sorted, bands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinScore < sorted[j].MinScore })

	if sorted[0].MinScore > 0 {
		rep.Gaps = append(rep.Gaps, Gap{From: 0, To: sorted[0].MinScore})
	}
	covered := sorted[0].MaxScore
	for _, b := range sorted[1:] {
		if b.MinScore > covered {
			rep.Gaps = append(rep.Gaps, Gap{From: covered, To: b.MinScore})
		}
		if b.MaxScore > covered {
			covered = b.MaxScore
		}
	}
	if covered < 100 {
		rep.Gaps = append(rep.Gaps, Gap{From: covered, To: 100})
	}
	return rep, nil
}

// Resolve picks the most specific configured band set for an attempt's scope:
// exam, then class, then subject, then the tenant default. sets is keyed by
// scope kind and scope ref.
func Resolve(sets map[model.BandScope]map[string][]model.GradeBand, examID, className, subject string) []model.GradeBand {
	order := []struct {
		kind model.BandScope
		ref  string
	}{
		{model.ScopeExam, examID},
		{model.ScopeClass, className},
		{model.ScopeSubject, subject},
		{model.ScopeTenant, ""},
	}
	for _, o := range order {
		if bands := sets[o.kind][o.ref]; len(bands) > 0 {
			return bands
		}
	}
	return nil
}
