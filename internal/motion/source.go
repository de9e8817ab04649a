// Package motion holds the signal sources that propose transport modes.
package motion

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/models"
)

// ErrSensorUnavailable means the source's sensor is absent or disabled
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Source is anything that can propose a transport mode.
//
// Propose returns (nil, nil) when the source has nothing new to say and
// ErrSensorUnavailable when its sensor cannot produce readings. Sources only
// read their own buffered input; they never touch trip state.
type Source interface {
	Name() models.DetectionSource
	Propose(now time.Time) (*models.Proposal, error)
}

// SourceFactory builds a source from its tuning
type SourceFactory func(cfg Settings) Source

// Settings tunes the built-in sources
type Settings struct {
	ActivityMinConfidence int           // 0-100, readings below are ignored
	MaxReadingAge         time.Duration // Older readings produce no proposal
	SensorWindow          int           // Accelerometer samples kept
	GeofenceConfidence    float64
	SpeedHysteresisMPS    float64
}

// SettingsFromConfig converts the file configuration. Readings older than
// the fusion window are stale.
func SettingsFromConfig(c *config.Config) Settings {
	return Settings{
		ActivityMinConfidence: c.Sources.ActivityMinConfidence,
		MaxReadingAge:         c.Fusion.Window.D(),
		SensorWindow:          c.Sources.SensorWindow,
		GeofenceConfidence:    c.Sources.GeofenceConfidence,
		SpeedHysteresisMPS:    c.Sources.SpeedHysteresisMPS,
	}
}

// Registry maps detection sources to factories
var Registry = make(map[models.DetectionSource]SourceFactory)

// Register registers a source factory
func Register(name models.DetectionSource, factory SourceFactory) {
	Registry[name] = factory
}

// NewSources builds every registered source in priority order
func NewSources(cfg Settings) []Source {
	names := make([]models.DetectionSource, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return priorityIndex(names[i]) < priorityIndex(names[j])
	})

	sources := make([]Source, 0, len(names))
	for _, name := range names {
		sources = append(sources, Registry[name](cfg))
	}
	return sources
}

// Lookup returns the source named name from sources
func Lookup(sources []Source, name models.DetectionSource) (Source, error) {
	for _, s := range sources {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no source registered for %s", name)
}

func priorityIndex(s models.DetectionSource) int {
	for i, p := range models.DefaultSourcePriority {
		if p == s {
			return i
		}
	}
	return len(models.DefaultSourcePriority)
}

func init() {
	Register(models.SourceGeofence, func(cfg Settings) Source { return NewGeofenceSource(cfg.GeofenceConfidence) })
	Register(models.SourceActivityRecognition, func(cfg Settings) Source {
		return NewActivitySource(cfg.ActivityMinConfidence, cfg.MaxReadingAge)
	})
	Register(models.SourceSensorFusion, func(cfg Settings) Source { return NewSensorFusionSource(cfg.SensorWindow) })
	Register(models.SourceSpeedBased, func(cfg Settings) Source {
		return NewSpeedSource(cfg.SpeedHysteresisMPS, cfg.MaxReadingAge)
	})
	Register(models.SourceManual, func(Settings) Source { return NewManualSource() })
}

func latencyMs(now, observed time.Time) int64 {
	if observed.IsZero() || now.Before(observed) {
		return 0
	}
	return now.Sub(observed).Milliseconds()
}
