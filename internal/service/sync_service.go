package service

import (
	"context"

	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/syncer"
)

// Syncer runs reconciliation passes
type Syncer interface {
	RunOnce(ctx context.Context) (*syncer.Report, error)
	Last() (*syncer.Report, error)
}

// SyncStatus is the unsynced backlog and the most recent pass
type SyncStatus struct {
	models.SyncCounts
	LastPass  *syncer.Report `json:"last_pass,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// SyncService triggers and reports on synchronization
type SyncService struct {
	syncer Syncer
	store  *repository.Store
}

// NewSyncService creates a new sync service
func NewSyncService(s Syncer, store *repository.Store) *SyncService {
	return &SyncService{syncer: s, store: store}
}

// Run performs one reconciliation pass now
func (s *SyncService) Run(ctx context.Context) (*syncer.Report, error) {
	return s.syncer.RunOnce(ctx)
}

// Status reports the backlog and the last pass
func (s *SyncService) Status(ctx context.Context) (*SyncStatus, error) {
	counts, err := s.store.SyncCounts(ctx)
	if err != nil {
		return nil, err
	}
	status := &SyncStatus{SyncCounts: counts}
	last, lastErr := s.syncer.Last()
	status.LastPass = last
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status, nil
}
