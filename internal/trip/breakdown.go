package trip

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/jengzang/trip-tracker/internal/models"
)

// Breakdown converts accrued mode durations into percentages rounded to two
// decimals and picks the dominant mode. Rounding residue goes to the dominant
// mode so the percentages sum to 100. With nothing accrued the fallback mode
// takes 100%.
func Breakdown(durations map[models.TransportMode]int64, fallback models.TransportMode) (map[models.TransportMode]float64, models.TransportMode) {
	var total int64
	for _, ms := range durations {
		if ms > 0 {
			total += ms
		}
	}
	if total == 0 {
		return map[models.TransportMode]float64{fallback: 100}, fallback
	}

	var dominant models.TransportMode
	var best int64 = -1
	for _, mode := range models.AllModes {
		if ms := durations[mode]; ms > 0 && ms > best {
			dominant, best = mode, ms
		}
	}

	breakdown := make(map[models.TransportMode]float64)
	pcts := make([]float64, 0, len(models.AllModes))
	for _, mode := range models.AllModes {
		ms := durations[mode]
		if ms <= 0 {
			continue
		}
		pct := scalar.Round(float64(ms)/float64(total)*100, 2)
		breakdown[mode] = pct
		pcts = append(pcts, pct)
	}

	if residue := 100 - floats.Sum(pcts); residue != 0 {
		breakdown[dominant] = scalar.Round(breakdown[dominant]+residue, 2)
	}
	return breakdown, dominant
}
