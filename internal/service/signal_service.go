package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/motion"
	"github.com/jengzang/trip-tracker/internal/timeutil"
	"github.com/jengzang/trip-tracker/internal/tracker"
)

// ErrBusy means the pipeline inbox was full and the signal was dropped
var ErrBusy = errors.New("tracking pipeline is busy")

// Pipeline is the tracker as seen by the services
type Pipeline interface {
	SubmitLocation(s models.LocationSample) bool
	SubmitDeviceState(d models.DeviceState) bool
	StartTrip(ctx context.Context, trigger models.TripTrigger) (*models.Trip, error)
	StopTrip(ctx context.Context, trigger models.TripTrigger) (*models.Trip, error)
	Status(ctx context.Context) (*tracker.Status, error)
}

// SignalService routes platform callbacks to the motion sources and the
// tracker. None of its methods block on the pipeline.
type SignalService struct {
	pipeline Pipeline
	clock    timeutil.Clock

	activity *motion.ActivitySource
	sensor   *motion.SensorFusionSource
	speed    *motion.SpeedSource
	geofence *motion.GeofenceSource
	manual   *motion.ManualSource
}

// NewSignalService binds the service to the built-in sources in sources
func NewSignalService(pipeline Pipeline, sources []motion.Source, clock timeutil.Clock) (*SignalService, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &SignalService{pipeline: pipeline, clock: clock}

	for _, src := range sources {
		switch v := src.(type) {
		case *motion.ActivitySource:
			s.activity = v
		case *motion.SensorFusionSource:
			s.sensor = v
		case *motion.SpeedSource:
			s.speed = v
		case *motion.GeofenceSource:
			s.geofence = v
		case *motion.ManualSource:
			s.manual = v
		}
	}
	if s.activity == nil || s.sensor == nil || s.speed == nil || s.geofence == nil || s.manual == nil {
		return nil, fmt.Errorf("signal service needs every built-in source, got %d sources", len(sources))
	}
	return s, nil
}

// Activity records an activity recognition callback
func (s *SignalService) Activity(r motion.ActivityReading) {
	if r.Timestamp.IsZero() {
		r.Timestamp = s.clock.Now()
	}
	s.activity.Update(r)
}

// Motion buffers accelerometer and gyroscope samples
func (s *SignalService) Motion(samples []motion.SensorSample) {
	now := s.clock.Now()
	for i := range samples {
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = now
		}
	}
	s.sensor.Add(samples...)
}

// Car records a car Bluetooth or car mode change. It reports whether the
// change counted toward car detection.
func (s *SignalService) Car(c motion.CarConnection) (bool, error) {
	if c.Timestamp.IsZero() {
		c.Timestamp = s.clock.Now()
	}
	return s.sensor.Car(c)
}

// Location feeds a GPS fix to the speed source and the tracker. It reports
// whether the fix passed the outlier filter.
func (s *SignalService) Location(sample models.LocationSample) (bool, error) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.clock.Now()
	}
	accepted := s.speed.Update(sample)
	if !s.pipeline.SubmitLocation(sample) {
		return accepted, ErrBusy
	}
	return accepted, nil
}

// Geofence queues a boundary crossing
func (s *SignalService) Geofence(c motion.Crossing) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = s.clock.Now()
	}
	return s.geofence.Cross(c)
}

// Manual records a user mode override
func (s *SignalService) Manual(mode models.TransportMode, at time.Time) error {
	if at.IsZero() {
		at = s.clock.Now()
	}
	return s.manual.Set(mode, at)
}

// Device records battery and network conditions for later events
func (s *SignalService) Device(d models.DeviceState) error {
	if !s.pipeline.SubmitDeviceState(d) {
		return ErrBusy
	}
	return nil
}

// SetAvailable marks a source's sensor as present or absent
func (s *SignalService) SetAvailable(name models.DetectionSource, ok bool) error {
	switch name {
	case models.SourceActivityRecognition:
		s.activity.SetAvailable(ok)
	case models.SourceSensorFusion:
		s.sensor.SetAvailable(ok)
	case models.SourceSpeedBased:
		s.speed.SetAvailable(ok)
	case models.SourceGeofence:
		s.geofence.SetAvailable(ok)
	default:
		return fmt.Errorf("source %q has no availability switch", name)
	}
	return nil
}
