package wakeup

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/internal/common/config"
	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/db"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events/bus"
)

type firingLog struct {
	mu      sync.Mutex
	firings []Firing
}

func (l *firingLog) handler(ctx context.Context, f Firing) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.firings = append(l.firings, f)
}

func (l *firingLog) snapshot() []Firing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Firing(nil), l.firings...)
}

func testService(t *testing.T) (*Service, entity.Store, *firingLog) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite"}, filepath.Join(t.TempDir(), "grove.db"))
	require.NoError(t, err)
	store, err := entity.NewSQLStore(pool, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	svc := New("proj-1", store, memBus, log)
	t.Cleanup(svc.Close)
	fl := &firingLog{}
	svc.SetHandler(fl.handler)
	return svc, store, fl
}

func TestAwaitTimesOut(t *testing.T) {
	svc, _, fl := testService(t)
	ctx := context.Background()

	ev, err := svc.ScheduleAwait(ctx, "wf-1", []string{entity.EventUserDecision}, 30*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fl.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f := fl.snapshot()[0]
	assert.Equal(t, ResolutionTimeout, f.Resolution)
	assert.Equal(t, ev.ID, f.Event.ID)

	// The row is consumed; a later clear refuses the second transition.
	require.ErrorIs(t, svc.Clear(ctx, ev.ID), errs.ErrConflict)
}

func TestDeliverMatchesOldestAwait(t *testing.T) {
	svc, store, fl := testService(t)
	ctx := context.Background()

	older, err := svc.ScheduleAwait(ctx, "wf-1", []string{entity.EventUserDecision}, time.Minute)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := svc.ScheduleAwait(ctx, "wf-1", []string{entity.EventUserDecision}, time.Minute)
	require.NoError(t, err)

	matched, err := svc.Deliver(ctx, "wf-1", entity.EventUserDecision, json.RawMessage(`{"choice":"approve"}`))
	require.NoError(t, err)
	assert.True(t, matched)

	firings := fl.snapshot()
	require.Len(t, firings, 1)
	assert.Equal(t, older.ID, firings[0].Event.ID)
	assert.Equal(t, ResolutionMatched, firings[0].Resolution)
	assert.Equal(t, entity.EventUserDecision, firings[0].MatchedType)
	assert.JSONEq(t, `{"choice":"approve"}`, string(firings[0].Payload))

	// The newer await is still parked.
	pending, err := store.UnprocessedEvents(ctx, entity.EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, newer.ID, pending[0].ID)

	// An event no await listens for is not consumed.
	matched, err = svc.Deliver(ctx, "wf-1", entity.EventUserMessage, nil)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestClearStopsTimer(t *testing.T) {
	svc, _, fl := testService(t)
	ctx := context.Background()

	ev, err := svc.ScheduleAwait(ctx, "wf-1", []string{entity.EventUserDecision}, 40*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, svc.Clear(ctx, ev.ID))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, fl.snapshot(), "a cleared timer must not fire")
}

func TestExecutionTimeoutQueuesStepFailed(t *testing.T) {
	svc, store, fl := testService(t)
	ctx := context.Background()

	_, err := svc.ScheduleExecutionTimeout(ctx, "wf-1", "exec-1", "step-1", 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fl.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pending, err := store.UnprocessedEvents(ctx, entity.EventFilter{
		WorkflowID: "wf-1",
		Types:      []string{entity.EventStepFailed},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].StepID)
	assert.Equal(t, "step-1", *pending[0].StepID)
	require.NotNil(t, pending[0].ExecutionID)
	assert.Equal(t, "exec-1", *pending[0].ExecutionID)
	assert.JSONEq(t, `{"reason":"timeout"}`, string(pending[0].Payload))
}

func TestRecoverFiresOverdueAndReschedules(t *testing.T) {
	svc, store, fl := testService(t)
	ctx := context.Background()

	appendTimer := func(workflowID string, timeoutAt time.Time) *entity.WorkflowEvent {
		payload, err := json.Marshal(timerPayload{
			EventTypes: []string{entity.EventUserDecision},
			TimeoutAt:  timeoutAt,
		})
		require.NoError(t, err)
		ev := &entity.WorkflowEvent{
			WorkflowID: workflowID,
			Type:       entity.EventAwaitCondition,
			Payload:    payload,
		}
		require.NoError(t, store.AppendWorkflowEvent(ctx, ev))
		return ev
	}

	overdue := appendTimer("wf-1", time.Now().UTC().Add(-time.Minute))
	future := appendTimer("wf-2", time.Now().UTC().Add(80*time.Millisecond))

	require.NoError(t, svc.Recover(ctx))

	firings := fl.snapshot()
	require.Len(t, firings, 1, "only the overdue timer fires on recovery")
	assert.Equal(t, overdue.ID, firings[0].Event.ID)

	require.Eventually(t, func() bool {
		for _, f := range fl.snapshot() {
			if f.Event.ID == future.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "the rescheduled timer fires at its deadline")
}
