// Package tracker runs the fusion engine and trip machine on one goroutine.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/fusion"
	"github.com/jengzang/trip-tracker/internal/models"
	"github.com/jengzang/trip-tracker/internal/timeutil"
	"github.com/jengzang/trip-tracker/internal/trip"
)

// Errors returned to request callers
var (
	ErrStopped = errors.New("tracker is not running")
	ErrBacklog = fmt.Errorf("%w: earlier writes are still pending", trip.ErrPersistence)
)

// Config tunes the pipeline
type Config struct {
	DeviceID           string
	EvalInterval       time.Duration
	InboxSize          int
	MaxPersistAttempts int
	StopOnShutdown     bool

	BaseLocationInterval      time.Duration
	VehicleIntervalMultiplier float64
	DefaultIntervalMultiplier float64
}

// FromConfig converts the file configuration
func FromConfig(c *config.Config) Config {
	return Config{
		DeviceID:                  c.Device.ID,
		EvalInterval:              c.Fusion.EvalInterval.D(),
		InboxSize:                 c.Trip.InboxSize,
		MaxPersistAttempts:        c.Trip.MaxPersistAttempts,
		StopOnShutdown:            c.Trip.StopOnShutdown,
		BaseLocationInterval:      c.Trip.BaseLocationInterval.D(),
		VehicleIntervalMultiplier: c.Trip.VehicleIntervalMultiplier,
		DefaultIntervalMultiplier: c.Trip.DefaultIntervalMultiplier,
	}
}

// Tuning is a hot-reloadable settings bundle
type Tuning struct {
	Fusion  fusion.Config
	Trip    trip.Config
	Tracker Config
}

// TuningFromConfig builds every tuning section from the file configuration
func TuningFromConfig(c *config.Config) Tuning {
	return Tuning{
		Fusion:  fusion.FromConfig(c.Fusion),
		Trip:    trip.FromConfig(c.Trip, c.Device.ID),
		Tracker: FromConfig(c),
	}
}

// Status is a point-in-time view of the pipeline
type Status struct {
	State            models.TripState       `json:"state"`
	CurrentMode      models.TransportMode   `json:"current_mode"`
	Trip             *models.Trip           `json:"trip,omitempty"`
	GraceDeadline    *time.Time             `json:"grace_deadline,omitempty"`
	LastLocation     *models.LocationSample `json:"last_location,omitempty"`
	PendingProposals int                    `json:"pending_proposals"`
	PendingWrites    int                    `json:"pending_writes"`
	Dropped          int64                  `json:"dropped"`

	// Recommended GPS interval for the current mode
	LocationIntervalSeconds int64 `json:"location_interval_seconds"`
}

// message is anything accepted by the inbox
type message interface{}

type proposalMsg struct{ p models.Proposal }
type locationMsg struct{ s models.LocationSample }
type deviceMsg struct{ d models.DeviceState }

type result struct {
	trip *models.Trip
	err  error
}

type startReq struct {
	trigger models.TripTrigger
	reply   chan result
}

type stopReq struct {
	trigger models.TripTrigger
	reply   chan result
}

type statusReq struct{ reply chan Status }

type tuningReq struct {
	tuning Tuning
	reply  chan struct{}
}

// write is a persisting operation kept for retry after a failure
type write struct {
	name     string
	attempts int
	run      func(ctx context.Context) error
}

// Tracker is the single writer of trip state. Producers talk to it through
// a buffered inbox; only the Run goroutine touches the engine and machine.
type Tracker struct {
	cfg     Config
	engine  *fusion.Engine
	machine *trip.Machine
	clock   timeutil.Clock

	inbox   chan message
	done    chan struct{}
	dropped atomic.Int64

	// Owned by Run
	device     *models.DeviceState
	pending    []*write
	graceTimer timeutil.Timer
	graceAt    time.Time
}

// New creates a tracker
func New(cfg Config, engine *fusion.Engine, machine *trip.Machine, clock timeutil.Clock) *Tracker {
	if cfg.InboxSize < 1 {
		cfg.InboxSize = 1
	}
	if cfg.MaxPersistAttempts < 1 {
		cfg.MaxPersistAttempts = 1
	}
	return &Tracker{
		cfg:     cfg,
		engine:  engine,
		machine: machine,
		clock:   clock,
		inbox:   make(chan message, cfg.InboxSize),
		done:    make(chan struct{}),
	}
}

// SubmitProposal queues a proposal without blocking
func (t *Tracker) SubmitProposal(p models.Proposal) bool {
	return t.offer(proposalMsg{p: p})
}

// SubmitLocation queues a GPS fix without blocking
func (t *Tracker) SubmitLocation(s models.LocationSample) bool {
	return t.offer(locationMsg{s: s})
}

// SubmitDeviceState queues a battery/network update without blocking
func (t *Tracker) SubmitDeviceState(d models.DeviceState) bool {
	return t.offer(deviceMsg{d: d})
}

// Dropped returns how many messages were discarded on a full inbox
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Tracker) offer(msg message) bool {
	select {
	case t.inbox <- msg:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// StartTrip opens a trip on an explicit trigger
func (t *Tracker) StartTrip(ctx context.Context, trigger models.TripTrigger) (*models.Trip, error) {
	reply := make(chan result, 1)
	if err := t.send(ctx, startReq{trigger: trigger, reply: reply}); err != nil {
		return nil, err
	}
	return t.await(ctx, reply)
}

// StopTrip completes the open trip
func (t *Tracker) StopTrip(ctx context.Context, trigger models.TripTrigger) (*models.Trip, error) {
	reply := make(chan result, 1)
	if err := t.send(ctx, stopReq{trigger: trigger, reply: reply}); err != nil {
		return nil, err
	}
	return t.await(ctx, reply)
}

// Status returns the pipeline status. It is answered after every message
// queued before it.
func (t *Tracker) Status(ctx context.Context) (*Status, error) {
	reply := make(chan Status, 1)
	if err := t.send(ctx, statusReq{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case s := <-reply:
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrStopped
	}
}

// UpdateTuning applies new settings inside the pipeline goroutine
func (t *Tracker) UpdateTuning(ctx context.Context, tuning Tuning) error {
	reply := make(chan struct{}, 1)
	if err := t.send(ctx, tuningReq{tuning: tuning, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrStopped
	}
}

func (t *Tracker) send(ctx context.Context, msg message) error {
	select {
	case t.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrStopped
	}
}

func (t *Tracker) await(ctx context.Context, reply chan result) (*models.Trip, error) {
	select {
	case r := <-reply:
		return r.trip, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrStopped
	}
}

// Run restores state and processes the inbox until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) error {
	defer close(t.done)

	if _, err := t.machine.Restore(ctx); err != nil {
		return err
	}
	now := t.clock.Now()
	t.submitWrite(ctx, t.expireWrite(now))
	t.engine.Open(now)
	t.armGrace()

	ticker := t.clock.NewTicker(t.cfg.EvalInterval)
	defer ticker.Stop()
	defer t.stopGrace()

	log.Printf("[Tracker] Running (state=%s, mode=%s)", t.machine.State(), t.machine.CurrentMode())
	for {
		var graceC <-chan time.Time
		if t.graceTimer != nil {
			graceC = t.graceTimer.C()
		}

		select {
		case <-ctx.Done():
			t.shutdown(context.WithoutCancel(ctx))
			return nil
		case msg := <-t.inbox:
			t.handle(ctx, msg)
		case now := <-ticker.C():
			t.tick(ctx, now)
		case now := <-graceC:
			t.graceTimer = nil
			t.graceAt = time.Time{}
			t.submitWrite(ctx, t.expireWrite(now))
		}
		t.armGrace()
	}
}

func (t *Tracker) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case proposalMsg:
		if err := t.engine.Submit(m.p); err != nil {
			log.Printf("[Tracker] Ignored proposal: %v", err)
		}
	case locationMsg:
		sample := m.s
		t.submitWrite(ctx, &write{
			name: "location " + sample.Timestamp.Format(time.RFC3339),
			run: func(ctx context.Context) error {
				_, _, err := t.machine.HandleLocation(ctx, sample)
				return err
			},
		})
	case deviceMsg:
		d := m.d
		t.device = &d
	case startReq:
		if len(t.pending) > 0 {
			m.reply <- result{err: ErrBacklog}
			return
		}
		tr, err := t.machine.Start(ctx, t.clock.Now(), m.trigger)
		m.reply <- result{trip: tr, err: err}
	case stopReq:
		if len(t.pending) > 0 {
			m.reply <- result{err: ErrBacklog}
			return
		}
		tr, err := t.machine.Stop(ctx, t.clock.Now(), m.trigger)
		m.reply <- result{trip: tr, err: err}
	case statusReq:
		m.reply <- t.status()
	case tuningReq:
		t.engine.SetConfig(m.tuning.Fusion)
		t.machine.SetConfig(m.tuning.Trip)
		t.cfg.BaseLocationInterval = m.tuning.Tracker.BaseLocationInterval
		t.cfg.VehicleIntervalMultiplier = m.tuning.Tracker.VehicleIntervalMultiplier
		t.cfg.DefaultIntervalMultiplier = m.tuning.Tracker.DefaultIntervalMultiplier
		if m.tuning.Tracker.MaxPersistAttempts > 0 {
			t.cfg.MaxPersistAttempts = m.tuning.Tracker.MaxPersistAttempts
		}
		log.Printf("[Tracker] Applied new tuning")
		m.reply <- struct{}{}
	}
}

func (t *Tracker) tick(ctx context.Context, now time.Time) {
	t.drain(ctx)
	if len(t.pending) > 0 {
		// Deciding on top of unwritten state would reorder transitions
		return
	}

	if deadline := t.machine.GraceDeadline(); deadline != nil && !now.Before(*deadline) {
		t.submitWrite(ctx, t.expireWrite(now))
	}

	ev := t.engine.Evaluate(now, t.snapshot())
	if ev == nil {
		return
	}
	t.submitWrite(ctx, &write{
		name: fmt.Sprintf("event %s %s->%s", ev.ID, ev.PreviousMode, ev.NewMode),
		run: func(ctx context.Context) error {
			_, err := t.machine.HandleEvent(ctx, ev)
			return err
		},
	})
}

func (t *Tracker) expireWrite(now time.Time) *write {
	return &write{
		name: "expire " + now.Format(time.RFC3339),
		run: func(ctx context.Context) error {
			_, err := t.machine.Expire(ctx, now)
			return err
		},
	}
}

// submitWrite runs w at once when nothing is pending. Otherwise it queues
// behind the backlog, which only the next tick retries.
func (t *Tracker) submitWrite(ctx context.Context, w *write) {
	if len(t.pending) >= t.cfg.InboxSize {
		t.dropped.Add(1)
		log.Printf("[Tracker] Dropped %s: %d writes pending", w.name, len(t.pending))
		return
	}
	backlog := len(t.pending) > 0
	t.pending = append(t.pending, w)
	if !backlog {
		t.drain(ctx)
	}
}

// drain runs pending writes in order, stopping at the first that fails.
// Each call costs the head write one attempt.
func (t *Tracker) drain(ctx context.Context) {
	for len(t.pending) > 0 {
		w := t.pending[0]
		err := w.run(ctx)
		if err == nil {
			t.pending = t.pending[1:]
			continue
		}
		if !errors.Is(err, trip.ErrPersistence) {
			log.Printf("[Tracker] Discarded %s: %v", w.name, err)
			t.pending = t.pending[1:]
			continue
		}
		w.attempts++
		if w.attempts >= t.cfg.MaxPersistAttempts {
			log.Printf("[Tracker] Dropped %s after %d attempts: %v", w.name, w.attempts, err)
			t.pending = t.pending[1:]
			continue
		}
		log.Printf("[Tracker] Write %s failed (attempt %d/%d): %v", w.name, w.attempts, t.cfg.MaxPersistAttempts, err)
		return
	}
}

func (t *Tracker) armGrace() {
	deadline := t.machine.GraceDeadline()
	if deadline == nil {
		t.stopGrace()
		return
	}
	if t.graceTimer != nil && t.graceAt.Equal(*deadline) {
		return
	}
	t.stopGrace()
	d := deadline.Sub(t.clock.Now())
	if d < 0 {
		d = 0
	}
	t.graceTimer = t.clock.NewTimer(d)
	t.graceAt = *deadline
}

func (t *Tracker) stopGrace() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
		t.graceAt = time.Time{}
	}
}

func (t *Tracker) shutdown(ctx context.Context) {
	t.drain(ctx)
	if !t.cfg.StopOnShutdown || t.machine.State() == models.TripIdle {
		return
	}
	if _, err := t.machine.Stop(ctx, t.clock.Now(), models.TriggerAppShutdown); err != nil {
		log.Printf("[Tracker] Failed to complete trip on shutdown: %v", err)
	}
}

func (t *Tracker) snapshot() fusion.Snapshot {
	snap := fusion.Snapshot{
		CurrentMode: t.machine.CurrentMode(),
		DeviceID:    t.cfg.DeviceID,
	}
	if s := t.machine.LastSample(); s != nil {
		snap.Location = &models.EventLocation{Lat: s.Lat, Lon: s.Lon, Accuracy: s.Accuracy, Speed: s.Speed}
	}
	if t.device != nil {
		d := *t.device
		snap.DeviceState = &d
	}
	return snap
}

func (t *Tracker) status() Status {
	mode := t.machine.CurrentMode()
	return Status{
		State:                   t.machine.State(),
		CurrentMode:             mode,
		Trip:                    t.machine.Trip(),
		GraceDeadline:           t.machine.GraceDeadline(),
		LastLocation:            t.machine.LastSample(),
		PendingProposals:        t.engine.Pending(),
		PendingWrites:           len(t.pending),
		Dropped:                 t.dropped.Load(),
		LocationIntervalSeconds: int64(t.locationInterval(mode) / time.Second),
	}
}

// locationInterval recommends how often to sample GPS in mode
func (t *Tracker) locationInterval(mode models.TransportMode) time.Duration {
	mult := t.cfg.DefaultIntervalMultiplier
	if mode.IsVehicle() {
		mult = t.cfg.VehicleIntervalMultiplier
	}
	d := time.Duration(math.Round(float64(t.cfg.BaseLocationInterval) * mult))
	if d < time.Minute {
		d = time.Minute
	}
	return d
}
