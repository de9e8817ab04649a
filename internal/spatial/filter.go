package spatial

import (
	"github.com/jengzang/trip-tracker/internal/models"
)

// Rejection reasons reported by Filter.Check
const (
	ReasonInvalidCoordinate = "INVALID_COORDINATE"
	ReasonExcessiveSpeed    = "EXCESSIVE_SPEED"
	ReasonLowAccuracy       = "LOW_ACCURACY"
	ReasonJump              = "JUMP"
	ReasonOutOfOrder        = "OUT_OF_ORDER"
)

// OutlierThresholds holds the GPS sample rejection thresholds
type OutlierThresholds struct {
	MaxSpeedMPS   float64 // Reported or implied speed above this is rejected
	MaxAccuracyM  float64 // Horizontal accuracy worse than this is rejected
	JumpDistanceM float64 // Displacement at least this large ...
	JumpTimeS     float64 // ... within this many seconds is a teleport
}

// DefaultOutlierThresholds returns the thresholds used when none are configured
func DefaultOutlierThresholds() OutlierThresholds {
	return OutlierThresholds{
		MaxSpeedMPS:   277.78, // 1000 km/h
		MaxAccuracyM:  100.0,
		JumpDistanceM: 1000.0,
		JumpTimeS:     10.0,
	}
}

// Filter rejects GPS samples that cannot be physical movement
type Filter struct {
	Thresholds OutlierThresholds
}

// NewFilter creates a filter with the given thresholds
func NewFilter(t OutlierThresholds) *Filter {
	return &Filter{Thresholds: t}
}

// Check returns the rejection reasons for sample given the previously accepted
// sample. An empty result means the sample is usable.
func (f *Filter) Check(prev *models.LocationSample, sample models.LocationSample) []string {
	var reasons []string

	if !ValidCoordinate(sample.Lat, sample.Lon) {
		return []string{ReasonInvalidCoordinate}
	}

	if sample.Speed != nil && f.Thresholds.MaxSpeedMPS > 0 && *sample.Speed > f.Thresholds.MaxSpeedMPS {
		reasons = append(reasons, ReasonExcessiveSpeed)
	}

	if f.Thresholds.MaxAccuracyM > 0 && sample.Accuracy > f.Thresholds.MaxAccuracyM {
		reasons = append(reasons, ReasonLowAccuracy)
	}

	if prev != nil {
		dt := sample.Timestamp.Sub(prev.Timestamp).Seconds()
		if dt < 0 {
			reasons = append(reasons, ReasonOutOfOrder)
			return reasons
		}
		dist := HaversineDistance(prev.Lat, prev.Lon, sample.Lat, sample.Lon)

		// Teleport: impossibly far in a short time
		if dt <= f.Thresholds.JumpTimeS && dist >= f.Thresholds.JumpDistanceM {
			reasons = append(reasons, ReasonJump)
		} else if dt > 0 && f.Thresholds.MaxSpeedMPS > 0 && dist/dt > f.Thresholds.MaxSpeedMPS {
			reasons = append(reasons, ReasonExcessiveSpeed)
		}
	}

	return reasons
}
