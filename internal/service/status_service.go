package service

import (
	"context"

	"github.com/jengzang/trip-tracker/internal/tracker"
)

// Status is the daemon's overall state
type Status struct {
	Tracker *tracker.Status `json:"tracker"`
	Sync    *SyncStatus     `json:"sync"`
}

// StatusService combines tracker and sync state
type StatusService struct {
	pipeline Pipeline
	sync     *SyncService
}

// NewStatusService creates a new status service
func NewStatusService(pipeline Pipeline, sync *SyncService) *StatusService {
	return &StatusService{pipeline: pipeline, sync: sync}
}

// Status returns the pipeline state after every queued signal and the sync
// backlog
func (s *StatusService) Status(ctx context.Context) (*Status, error) {
	ts, err := s.pipeline.Status(ctx)
	if err != nil {
		return nil, err
	}
	ss, err := s.sync.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Tracker: ts, Sync: ss}, nil
}
