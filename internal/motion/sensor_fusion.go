package motion

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/jengzang/trip-tracker/internal/models"
)

// Sensor classification thresholds
const (
	runningCadence    = 2.5  // Steps per second
	walkingCadence    = 0.8  // Steps per second
	runningVariance   = 8.0  // (m/s²)²
	walkingVariance   = 1.0  // (m/s²)²
	stillVariance     = 0.02 // (m/s²)²
	stillGyro         = 0.05 // rad/s
	vehicleVariance   = 1.0  // (m/s²)²
	walkingMinFreq    = 1.2  // Hz
	runningMinFreq    = 2.5  // Hz
	minSensorSamples  = 8
	defaultSensorRing = 64
)

// SensorSample is one accelerometer/gyroscope reading
type SensorSample struct {
	Timestamp         time.Time `json:"timestamp"`
	AccelX            float64   `json:"accel_x"` // m/s², gravity included
	AccelY            float64   `json:"accel_y"`
	AccelZ            float64   `json:"accel_z"`
	GyroX             float64   `json:"gyro_x"` // rad/s
	GyroY             float64   `json:"gyro_y"`
	GyroZ             float64   `json:"gyro_z"`
	StepCount         *int      `json:"step_count,omitempty"` // Cumulative step counter
	SignificantMotion bool      `json:"significant_motion"`
}

// SensorFusionSource classifies motion from a window of raw IMU samples.
// A connected car overrides the IMU and proposes DRIVING.
type SensorFusionSource struct {
	mu        sync.Mutex
	size      int
	samples   []SensorSample
	fresh     int
	available bool
	car       carState
}

// NewSensorFusionSource creates a source keeping size samples
func NewSensorFusionSource(size int) *SensorFusionSource {
	if size < minSensorSamples {
		size = defaultSensorRing
	}
	return &SensorFusionSource{size: size, available: true}
}

// Name returns SENSOR_FUSION
func (s *SensorFusionSource) Name() models.DetectionSource {
	return models.SourceSensorFusion
}

// SetAvailable marks the IMU as present or absent
func (s *SensorFusionSource) SetAvailable(ok bool) {
	s.mu.Lock()
	s.available = ok
	s.mu.Unlock()
}

// Add appends samples to the ring, dropping the oldest beyond its size
func (s *SensorFusionSource) Add(samples ...SensorSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = true
	s.samples = append(s.samples, samples...)
	if over := len(s.samples) - s.size; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
	}
	s.fresh += len(samples)
}

// Car records a car link change. It reports whether the change counted;
// Bluetooth devices that do not look like a car are ignored.
func (s *SensorFusionSource) Car(c CarConnection) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.car.apply(c)
}

// InCar reports whether any car link is up
func (s *SensorFusionSource) InCar() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.car.confidence()
	return ok
}

// Propose proposes DRIVING while a car is connected. Otherwise it classifies
// the current window once enough new samples arrived.
func (s *SensorFusionSource) Propose(now time.Time) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conf, ok := s.car.confidence(); ok {
		return &models.Proposal{
			CandidateMode: models.ModeDriving,
			Confidence:    conf,
			Source:        models.SourceSensorFusion,
			Timestamp:     now,
		}, nil
	}
	if !s.available {
		return nil, ErrSensorUnavailable
	}
	if s.fresh < minSensorSamples || len(s.samples) < minSensorSamples {
		return nil, nil
	}
	s.fresh = 0

	f := extractFeatures(s.samples)
	mode, base, ok := classifyFeatures(f)
	if !ok {
		return nil, nil
	}

	fill := float64(len(s.samples)) / float64(s.size)
	last := s.samples[len(s.samples)-1].Timestamp
	return &models.Proposal{
		CandidateMode: mode,
		Confidence:    clamp01(base * math.Min(1, fill)),
		Source:        models.SourceSensorFusion,
		Timestamp:     last,
		LatencyMs:     latencyMs(now, last),
		Telemetry:     f.telemetry(),
	}, nil
}

type sensorFeatures struct {
	meanMagnitude float64
	variance      float64
	peakFrequency float64
	gyroMagnitude float64
	steps         *int
	cadence       float64
	significant   bool
}

func (f sensorFeatures) telemetry() *models.Telemetry {
	mean, variance, freq, gyro := f.meanMagnitude, f.variance, f.peakFrequency, f.gyroMagnitude
	sig := f.significant
	return &models.Telemetry{
		AccelMagnitude:     &mean,
		AccelVariance:      &variance,
		AccelPeakFrequency: &freq,
		GyroMagnitude:      &gyro,
		StepCount:          f.steps,
		SignificantMotion:  &sig,
	}
}

func extractFeatures(samples []SensorSample) sensorFeatures {
	mags := make([]float64, len(samples))
	gyros := make([]float64, len(samples))
	var f sensorFeatures
	for i, s := range samples {
		mags[i] = math.Sqrt(s.AccelX*s.AccelX + s.AccelY*s.AccelY + s.AccelZ*s.AccelZ)
		gyros[i] = math.Sqrt(s.GyroX*s.GyroX + s.GyroY*s.GyroY + s.GyroZ*s.GyroZ)
		if s.SignificantMotion {
			f.significant = true
		}
	}
	f.meanMagnitude, f.variance = stat.MeanVariance(mags, nil)
	f.gyroMagnitude = stat.Mean(gyros, nil)

	span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
	if span > 0 {
		// Two zero crossings of the detrended magnitude per oscillation
		crossings := 0
		for i := 1; i < len(mags); i++ {
			if (mags[i-1]-f.meanMagnitude)*(mags[i]-f.meanMagnitude) < 0 {
				crossings++
			}
		}
		f.peakFrequency = float64(crossings) / 2 / span
	}

	first, last := firstStep(samples), lastStep(samples)
	if first != nil && last != nil && *last >= *first {
		n := *last - *first
		f.steps = &n
		if span > 0 {
			f.cadence = float64(n) / span
		}
	}
	return f
}

func firstStep(samples []SensorSample) *int {
	for _, s := range samples {
		if s.StepCount != nil {
			return s.StepCount
		}
	}
	return nil
}

func lastStep(samples []SensorSample) *int {
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].StepCount != nil {
			return samples[i].StepCount
		}
	}
	return nil
}

// classifyFeatures returns the mode and its base confidence
func classifyFeatures(f sensorFeatures) (models.TransportMode, float64, bool) {
	switch {
	case f.cadence >= runningCadence,
		f.steps == nil && f.peakFrequency >= runningMinFreq && f.variance >= runningVariance:
		return models.ModeRunning, 0.75, true
	case f.cadence >= walkingCadence,
		f.steps == nil && f.peakFrequency >= walkingMinFreq && f.variance >= walkingVariance:
		return models.ModeWalking, 0.7, true
	case f.variance < stillVariance && f.gyroMagnitude < stillGyro && !f.significant:
		return models.ModeStationary, 0.7, true
	case f.significant && f.variance < vehicleVariance && f.cadence < walkingCadence:
		return models.ModeDriving, 0.55, true
	}
	return "", 0, false
}
