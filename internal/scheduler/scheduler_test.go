package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/owenlers/internal/api"
	"github.com/tejusbharadwaj/owenlers/internal/database"
	"github.com/tejusbharadwaj/owenlers/internal/metrics"
	"github.com/tejusbharadwaj/owenlers/internal/models"
	"github.com/tejusbharadwaj/owenlers/internal/regroup"
	"github.com/tejusbharadwaj/owenlers/internal/scheduler"
	"github.com/tejusbharadwaj/owenlers/internal/scheduler/mocks"
	"github.com/tejusbharadwaj/owenlers/internal/status"
)

var creds = models.Credentials{Login: "user", Password: "secret"}

type fakeHealth struct {
	mu      sync.Mutex
	history []bool
}

func (h *fakeHealth) SetServing(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, serving)
}

func (h *fakeHealth) History() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.history...)
}

func newLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func scenarioRoutes() []models.MeasurePoint {
	return []models.MeasurePoint{
		{ID: "M1", Routes: []models.Route{
			{ParameterID: "P1", DataParameter: "flow"},
			{ParameterID: "P2", DataParameter: "temp"},
		}},
	}
}

func twoPointRoutes() []models.MeasurePoint {
	return []models.MeasurePoint{
		{ID: "A", Routes: []models.Route{{ParameterID: "P1", DataParameter: "flow"}}},
		{ID: "B", Routes: []models.Route{{ParameterID: "P2", DataParameter: "temp"}}},
	}
}

func reading(id string, ts int64, v float64) *models.Reading {
	return &models.Reading{ParameterID: id, Timestamp: ts, Value: v}
}

func newScheduler(
	source scheduler.Source,
	sink scheduler.Sink,
	routes []models.MeasurePoint,
	policy regroup.Policy,
	opts ...scheduler.Option,
) *scheduler.Scheduler {
	logger := newLogger()
	engine := regroup.NewEngine(routes, policy, logger)
	return scheduler.NewScheduler(source, sink, engine, creds, 5*time.Millisecond, logger, opts...)
}

func TestRunCycleScenario(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	ctx := context.Background()

	batch := models.Batch{
		"P1": reading("P1", 1000, 5),
		"P2": reading("P2", 1000, 20),
	}

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil).Times(1)
	source.EXPECT().FetchLatest(gomock.Any(), "tok", []string{"P1", "P2"}).Return(batch, nil).Times(2)
	sink.EXPECT().Push(gomock.Any(), "M1", []models.ConsumptionRecord{{
		PointID:  "M1",
		DateTime: "1970-01-01T00:16:40+00:00",
		Values: []models.DataValue{
			{DataParameter: "flow", Value: 5},
			{DataParameter: "temp", Value: 20},
		},
	}}).Return(nil).Times(1)

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce)

	require.NoError(t, s.RunCycle(ctx))
	// Identical fetch: no push at all.
	require.NoError(t, s.RunCycle(ctx))
}

func TestRunCyclePartialFailureIsolation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil)
	source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).Return(models.Batch{
		"P1": reading("P1", 1000, 1),
		"P2": reading("P2", 1000, 2),
	}, nil)
	gomock.InOrder(
		sink.EXPECT().Push(gomock.Any(), "A", gomock.Any()).Return(fmt.Errorf("%w: got 500", api.ErrPush)),
		sink.EXPECT().Push(gomock.Any(), "B", gomock.Any()).Return(nil),
	)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newScheduler(source, sink, twoPointRoutes(), regroup.AtMostOnce, scheduler.WithMetrics(m))

	err := s.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrPush)
	assert.Contains(t, err.Error(), "1 of 2 measure points failed")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Pushes.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Pushes.WithLabelValues(metrics.ResultError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Cycles.WithLabelValues(metrics.ResultError)))
}

func TestRunCycleFetchErrorLeavesStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil)
	source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).Return(nil, fmt.Errorf("%w: got 502", api.ErrFetch))

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce)

	err := s.RunCycle(context.Background())
	assert.ErrorIs(t, err, api.ErrFetch)
	_, ok := s.Store().Last("P1")
	assert.False(t, ok)
}

func TestRunCycleReauthenticatesOnRejectedToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)

	gomock.InOrder(
		source.EXPECT().Authenticate(gomock.Any(), creds).Return("old", nil),
		source.EXPECT().FetchLatest(gomock.Any(), "old", gomock.Any()).
			Return(nil, fmt.Errorf("%w: %w: got 401", api.ErrFetch, api.ErrUnauthorized)),
		source.EXPECT().Authenticate(gomock.Any(), creds).Return("new", nil),
		source.EXPECT().FetchLatest(gomock.Any(), "new", gomock.Any()).
			Return(models.Batch{"P1": reading("P1", 10, 1)}, nil),
	)
	sink.EXPECT().Push(gomock.Any(), "M1", gomock.Any()).Return(nil)

	m := metrics.New(prometheus.NewRegistry())
	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce, scheduler.WithMetrics(m))

	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Reauths))
}

func TestRunCycleAtMostOnceLosesFailedPush(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	batch := models.Batch{"P1": reading("P1", 1000, 5)}

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil)
	source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).Return(batch, nil).Times(2)
	sink.EXPECT().Push(gomock.Any(), "M1", gomock.Any()).Return(api.ErrPush).Times(1)

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce)

	assert.Error(t, s.RunCycle(context.Background()))
	assert.NoError(t, s.RunCycle(context.Background()))

	ts, ok := s.Store().Last("P1")
	assert.True(t, ok)
	assert.Equal(t, int64(1000), ts)
}

func TestRunCycleAtLeastOnceRetriesFailedPush(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	batch := models.Batch{"P1": reading("P1", 1000, 5)}

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil)
	source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).Return(batch, nil).Times(3)
	gomock.InOrder(
		sink.EXPECT().Push(gomock.Any(), "M1", gomock.Any()).Return(api.ErrPush),
		sink.EXPECT().Push(gomock.Any(), "M1", gomock.Any()).Return(nil),
	)

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtLeastOnce)
	ctx := context.Background()

	assert.Error(t, s.RunCycle(ctx))
	_, ok := s.Store().Last("P1")
	assert.False(t, ok, "failed push must not advance the store")

	assert.NoError(t, s.RunCycle(ctx))
	// Third cycle sees the same sample and pushes nothing.
	assert.NoError(t, s.RunCycle(ctx))
}

func TestRunCycleRecordsJournalMirrorAndStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	journal := mocks.NewMockJournal(ctrl)
	mirror := mocks.NewMockMirror(ctrl)

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil)
	source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).Return(models.Batch{
		"P1": reading("P1", 1000, 1),
		"P2": reading("P2", 1000, 2),
	}, nil)
	sink.EXPECT().Push(gomock.Any(), "A", gomock.Any()).Return(nil)
	sink.EXPECT().Push(gomock.Any(), "B", gomock.Any()).Return(api.ErrPush)

	// Only accepted deliveries are mirrored.
	mirror.EXPECT().Write(gomock.Any(), "A", gomock.Any()).Return(errors.New("influx down"))

	var entries []database.Delivery
	journal.EXPECT().RecordDelivery(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, d database.Delivery) error {
			entries = append(entries, d)
			return nil
		}).Times(2)

	tracker, err := status.NewTracker(8)
	require.NoError(t, err)

	s := newScheduler(source, sink, twoPointRoutes(), regroup.AtMostOnce,
		scheduler.WithJournal(journal),
		scheduler.WithMirror(mirror),
		scheduler.WithTracker(tracker),
	)
	assert.Error(t, s.RunCycle(context.Background()))

	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].PointID)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "B", entries[1].PointID)
	assert.False(t, entries[1].Success)
	assert.Equal(t, entries[0].CycleID, entries[1].CycleID)

	snap := tracker.Snapshot()
	require.Len(t, snap.Points, 2)
	assert.True(t, snap.Points[0].OK)
	assert.False(t, snap.Points[1].OK)
	require.NotNil(t, snap.LastCycle)
	assert.Equal(t, 2, snap.LastCycle.Forwarded)
	assert.NotEmpty(t, snap.LastCycle.Error)
	require.NotNil(t, snap.LastSent["P2"])
}

func TestRunFatalOnInitialAuthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	health := &fakeHealth{}

	source.EXPECT().Authenticate(gomock.Any(), creds).
		Return("", fmt.Errorf("%w: connection refused", api.ErrAuth))

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce, scheduler.WithHealth(health))

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrAuth)
	assert.Equal(t, scheduler.StateStopped, s.State())
	assert.Equal(t, []bool{false, false}, health.History())
}

func TestRunLoopsUntilCanceled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	health := &fakeHealth{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil)
	gomock.InOrder(
		// A failing cycle does not stop the loop.
		source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).Return(nil, api.ErrFetch),
		source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).
			Return(models.Batch{"P1": reading("P1", 1, 1)}, nil),
	)
	sink.EXPECT().Push(gomock.Any(), "M1", gomock.Any()).
		DoAndReturn(func(context.Context, string, []models.ConsumptionRecord) error {
			cancel()
			return nil
		})

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce, scheduler.WithHealth(health))

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, scheduler.StateStopped, s.State())
	assert.Equal(t, []bool{false, true, false}, health.History())
}

func TestRunStopsWhenReauthIsRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)

	gomock.InOrder(
		source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil),
		source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).
			Return(nil, fmt.Errorf("%w: %w", api.ErrFetch, api.ErrUnauthorized)),
		source.EXPECT().Authenticate(gomock.Any(), creds).
			Return("", fmt.Errorf("%w: %w: error_status 1", api.ErrAuth, api.ErrCredentialsRejected)),
	)

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrCredentialsRejected)
	assert.Equal(t, scheduler.StateStopped, s.State())
}

func TestRunRecoversFromReauthTransportFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil),
		source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).
			Return(nil, fmt.Errorf("%w: %w", api.ErrFetch, api.ErrUnauthorized)),
		source.EXPECT().Authenticate(gomock.Any(), creds).
			Return("", fmt.Errorf("%w: timeout", api.ErrAuth)),
		// Next cycle authenticates before fetching.
		source.EXPECT().Authenticate(gomock.Any(), creds).Return("fresh", nil),
		source.EXPECT().FetchLatest(gomock.Any(), "fresh", gomock.Any()).
			DoAndReturn(func(context.Context, string, []string) (models.Batch, error) {
				cancel()
				return models.Batch{}, nil
			}),
	)

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce)
	require.NoError(t, s.Run(ctx))
}

func TestRunRecoversFromPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	source := mocks.NewMockSource(ctrl)
	sink := mocks.NewMockSink(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source.EXPECT().Authenticate(gomock.Any(), creds).Return("tok", nil)
	gomock.InOrder(
		source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).
			DoAndReturn(func(context.Context, string, []string) (models.Batch, error) {
				panic("unexpected payload")
			}),
		source.EXPECT().FetchLatest(gomock.Any(), "tok", gomock.Any()).
			DoAndReturn(func(context.Context, string, []string) (models.Batch, error) {
				cancel()
				return nil, api.ErrFetch
			}),
	)

	s := newScheduler(source, sink, scenarioRoutes(), regroup.AtMostOnce)
	require.NoError(t, s.Run(ctx))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "authenticating", scheduler.StateAuthenticating.String())
	assert.Equal(t, "running", scheduler.StateRunning.String())
	assert.Equal(t, "stopped", scheduler.StateStopped.String())
}
