package window

import "github.com/kye/vegsense/internal/models"

// PaddedObservation is an observation remapped onto a single year's extended
// day axis: prior-year tail days get RelDay <= 0, next-year head days get
// RelDay > 365, and the target year keeps RelDay == DayOfYear.
type PaddedObservation struct {
	models.Observation
	RelDay int
}

// PaddedSeason assembles the sample for a single-year seasonal fit: all of
// the target year's observations, plus up to pad days borrowed from the tail
// of the prior year and the head of the next year. A missing adjacent year
// leaves that side empty: first and last years of coverage fit with
// asymmetric or absent padding and that is not an error.
func PaddedSeason(obs []models.Observation, year, pad int) []PaddedObservation {
	var out []PaddedObservation
	for _, o := range obs {
		switch o.Year {
		case year:
			out = append(out, PaddedObservation{Observation: o, RelDay: o.DayOfYear})
		case year - 1:
			if o.DayOfYear > cycleDays-pad {
				out = append(out, PaddedObservation{Observation: o, RelDay: WrapDay(o.DayOfYear) - cycleDays})
			}
		case year + 1:
			if o.DayOfYear <= pad {
				out = append(out, PaddedObservation{Observation: o, RelDay: o.DayOfYear + cycleDays})
			}
		}
	}
	return out
}

// HasPriorPadding reports whether any borrowed prior-year observation made it
// into the padded sample.
func HasPriorPadding(obs []PaddedObservation) bool {
	for _, o := range obs {
		if o.RelDay <= 0 {
			return true
		}
	}
	return false
}

// HasNextPadding reports whether any borrowed next-year observation made it
// into the padded sample.
func HasNextPadding(obs []PaddedObservation) bool {
	for _, o := range obs {
		if o.RelDay > cycleDays {
			return true
		}
	}
	return false
}
