//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/scheduler.go -package=mocks . Source,Sink,Journal,Mirror

// Package scheduler drives the synchronization cycles: authenticate once,
// then fetch, regroup and push on a fixed interval until the context ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/owenlers/internal/api"
	"github.com/tejusbharadwaj/owenlers/internal/database"
	"github.com/tejusbharadwaj/owenlers/internal/metrics"
	"github.com/tejusbharadwaj/owenlers/internal/models"
	"github.com/tejusbharadwaj/owenlers/internal/regroup"
	"github.com/tejusbharadwaj/owenlers/internal/status"
)

// Source fetches readings from OwenCloud.
type Source interface {
	Authenticate(ctx context.Context, creds models.Credentials) (string, error)
	FetchLatest(ctx context.Context, token string, ids []string) (models.Batch, error)
}

// Sink receives consumption records.
type Sink interface {
	Push(ctx context.Context, pointID string, records []models.ConsumptionRecord) error
}

// Journal records push attempts.
type Journal interface {
	RecordDelivery(ctx context.Context, d database.Delivery) error
}

// Mirror receives a copy of every accepted delivery.
type Mirror interface {
	Write(ctx context.Context, pointID string, records []models.ConsumptionRecord) error
}

// Health is told whether the bridge is running.
type Health interface {
	SetServing(serving bool)
}

// State of the scheduler.
type State int

const (
	StateAuthenticating State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateRunning:
		return "running"
	default:
		return status.StateStopped
	}
}

// ErrPanic wraps a panic recovered inside a cycle.
var ErrPanic = errors.New("cycle panicked")

type Scheduler struct {
	source   Source
	sink     Sink
	engine   *regroup.Engine
	store    *regroup.Store
	ids      []string
	creds    models.Credentials
	interval time.Duration
	logger   *logrus.Logger

	metrics *metrics.Metrics
	journal Journal
	mirror  Mirror
	tracker *status.Tracker
	health  Health

	token string
	state State
}

// Option configures optional collaborators.
type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

func WithJournal(j Journal) Option { return func(s *Scheduler) { s.journal = j } }

func WithMirror(m Mirror) Option { return func(s *Scheduler) { s.mirror = m } }

func WithTracker(t *status.Tracker) Option { return func(s *Scheduler) { s.tracker = t } }

func WithHealth(h Health) Option { return func(s *Scheduler) { s.health = h } }

func NewScheduler(
	source Source,
	sink Sink,
	engine *regroup.Engine,
	creds models.Credentials,
	interval time.Duration,
	logger *logrus.Logger,
	opts ...Option,
) *Scheduler {
	ids := engine.ParameterIDs()
	s := &Scheduler{
		source:   source,
		sink:     sink,
		engine:   engine,
		store:    regroup.NewStore(ids),
		ids:      ids,
		creds:    creds,
		interval: interval,
		logger:   logger,
		state:    StateAuthenticating,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the deduplication state.
func (s *Scheduler) Store() *regroup.Store { return s.store }

// State returns the current state.
func (s *Scheduler) State() State { return s.state }

// Run authenticates and then runs cycles until ctx is canceled. It returns
// an error only when authentication fails for good.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(StateAuthenticating)
	if err := s.authenticate(ctx); err != nil {
		s.setState(StateStopped)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.logger.Info("Authenticated in OwenCloud")
	s.setState(StateRunning)

	for {
		if err := s.safeCycle(ctx); err != nil && errors.Is(err, api.ErrCredentialsRejected) {
			s.setState(StateStopped)
			return err
		}

		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			s.logger.Info("Scheduler stopped")
			return nil
		case <-time.After(s.interval):
		}
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			s.logger.WithError(err).Error("Recovered from panic in cycle")
			s.metrics.ObserveCycle(err, time.Now())
		}
	}()
	return s.RunCycle(ctx)
}

// RunCycle performs one fetch, regroup and push pass. Errors are logged and
// returned; they never leave the store in a partially applied state.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	started := time.Now()
	cycleID := uuid.NewString()
	log := s.logger.WithField("cycle_id", cycleID)

	var stats regroup.Stats
	err := func() error {
		batch, err := s.fetch(ctx, log)
		if err != nil {
			return err
		}
		logBatch(log, batch, s.ids)

		plan := s.engine.Process(batch, s.store)
		stats = plan.Stats
		s.metrics.ObserveReadings(stats.Forwarded, stats.Duplicates, stats.Absent)

		failed := 0
		for _, d := range plan.Deliveries {
			if err := s.deliver(ctx, log, cycleID, d); err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%w: %d of %d measure points failed", api.ErrPush, failed, len(plan.Deliveries))
		}
		return nil
	}()

	if err != nil {
		log.WithError(err).Error("Cycle failed")
	} else {
		log.WithFields(logrus.Fields{
			"forwarded":  stats.Forwarded,
			"duplicates": stats.Duplicates,
			"absent":     stats.Absent,
		}).Info("Cycle completed")
	}

	s.metrics.ObserveCycle(err, started)
	if s.tracker != nil {
		c := status.CycleStatus{
			ID:         cycleID,
			StartedAt:  started.UTC(),
			Duration:   time.Since(started).String(),
			Forwarded:  stats.Forwarded,
			Duplicates: stats.Duplicates,
			Absent:     stats.Absent,
		}
		if err != nil {
			c.Error = err.Error()
		}
		s.tracker.RecordCycle(c, s.store.Snapshot())
	}
	return err
}

func (s *Scheduler) authenticate(ctx context.Context) error {
	token, err := s.source.Authenticate(ctx, s.creds)
	if err != nil {
		s.token = ""
		s.logger.WithError(err).Error("OwenCloud authentication failed")
		return err
	}
	s.token = token
	return nil
}

// fetch authenticates first when no token is held, and re-authenticates once
// when the token is rejected.
func (s *Scheduler) fetch(ctx context.Context, log logrus.FieldLogger) (models.Batch, error) {
	if s.token == "" {
		if err := s.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	batch, err := s.source.FetchLatest(ctx, s.token, s.ids)
	if errors.Is(err, api.ErrUnauthorized) {
		log.WithError(err).Warn("OwenCloud token rejected, re-authenticating")
		s.metrics.IncReauth()
		if err := s.authenticate(ctx); err != nil {
			return nil, err
		}
		batch, err = s.source.FetchLatest(ctx, s.token, s.ids)
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Scheduler) deliver(ctx context.Context, log logrus.FieldLogger, cycleID string, d regroup.Delivery) error {
	plog := log.WithFields(logrus.Fields{
		"point_id": d.PointID,
		"records":  len(d.Records),
	})

	start := time.Now()
	err := s.sink.Push(ctx, d.PointID, d.Records)
	s.metrics.ObservePush(err, time.Since(start))

	if err != nil {
		plog.WithError(err).Error("Failed to send data to LERS")
	} else {
		d.Confirm(s.store)
		plog.Info("Data sent to LERS")
		if s.mirror != nil {
			if merr := s.mirror.Write(ctx, d.PointID, d.Records); merr != nil {
				plog.WithError(merr).Warn("Failed to mirror delivery")
			}
		}
	}

	if s.journal != nil {
		entry := database.Delivery{
			CycleID:     cycleID,
			PointID:     d.PointID,
			Records:     d.Records,
			Success:     err == nil,
			AttemptedAt: start,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if jerr := s.journal.RecordDelivery(ctx, entry); jerr != nil {
			plog.WithError(jerr).Warn("Failed to journal delivery")
		}
	}

	if s.tracker != nil {
		p := status.PointStatus{
			PointID:  d.PointID,
			PushedAt: start.UTC(),
			Records:  len(d.Records),
			Readings: d.Readings(),
			OK:       err == nil,
		}
		if err != nil {
			p.Error = err.Error()
		}
		s.tracker.RecordPush(p)
	}
	return err
}

func (s *Scheduler) setState(state State) {
	s.state = state
	if s.tracker != nil {
		s.tracker.SetState(state.String())
	}
	if s.health != nil {
		s.health.SetServing(state == StateRunning)
	}
}

func logBatch(log logrus.FieldLogger, batch models.Batch, ids []string) {
	for _, id := range ids {
		r, ok := batch.Lookup(id)
		if !ok {
			log.WithField("parameter_id", id).Debug("Received no value")
			continue
		}
		log.WithFields(logrus.Fields{
			"parameter_id": id,
			"time":         r.Time().Format(time.RFC3339),
			"value":        r.Value,
		}).Debug("Received value")
	}
}
