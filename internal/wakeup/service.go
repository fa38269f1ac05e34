// Package wakeup provides durable timers for workflows. A timer is an
// unprocessed workflow event whose payload carries the deadline; firing and
// clearing are both single-transition updates on processed_at, so a timer
// resolves exactly once even across a crash and recovery.
package wakeup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/entity"
	"github.com/grovekit/grove/internal/events"
	"github.com/grovekit/grove/internal/events/bus"
)

// Resolutions carried on a Firing.
const (
	ResolutionTimeout = "timeout"
	ResolutionMatched = "matched"
)

// timerPayload is the durable body of a timer event.
type timerPayload struct {
	EventTypes []string  `json:"eventTypes,omitempty"`
	TimeoutAt  time.Time `json:"timeoutAt"`
}

// Firing describes one resolved timer.
type Firing struct {
	Event       *entity.WorkflowEvent
	Resolution  string
	MatchedType string
	// Payload is the delivered event's payload on matched resolutions.
	Payload json.RawMessage
}

// Handler consumes resolved timers. Called from timer goroutines and from
// Deliver; implementations synchronize themselves.
type Handler func(ctx context.Context, f Firing)

// Service schedules, delivers and recovers workflow timers for one project.
type Service struct {
	projectID string
	store     entity.Store
	bus       bus.EventBus
	logger    *logger.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	handler Handler
	closed  bool
}

// New creates a wakeup service. Call SetHandler before Recover so recovered
// timers have somewhere to land.
func New(projectID string, store entity.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		projectID: projectID,
		store:     store,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "wakeup"), zap.String("project_id", projectID)),
		timers:    make(map[string]*time.Timer),
	}
}

// SetHandler registers the consumer of resolved timers.
func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// ScheduleAwait parks a workflow until one of eventTypes arrives or the
// timeout passes, whichever comes first.
func (s *Service) ScheduleAwait(ctx context.Context, workflowID string, eventTypes []string, timeout time.Duration) (*entity.WorkflowEvent, error) {
	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("await requires at least one event type")
	}
	return s.schedule(ctx, &entity.WorkflowEvent{
		WorkflowID: workflowID,
		Type:       entity.EventAwaitCondition,
	}, timerPayload{EventTypes: eventTypes, TimeoutAt: time.Now().UTC().Add(timeout)})
}

// ScheduleExecutionTimeout bounds a step execution. When it fires, a
// step_failed event with reason timeout is queued for the workflow engine.
func (s *Service) ScheduleExecutionTimeout(ctx context.Context, workflowID, executionID, stepID string, timeout time.Duration) (*entity.WorkflowEvent, error) {
	ev := &entity.WorkflowEvent{
		WorkflowID: workflowID,
		Type:       entity.EventExecutionTimeout,
	}
	if executionID != "" {
		ev.ExecutionID = &executionID
	}
	if stepID != "" {
		ev.StepID = &stepID
	}
	return s.schedule(ctx, ev, timerPayload{TimeoutAt: time.Now().UTC().Add(timeout)})
}

func (s *Service) schedule(ctx context.Context, ev *entity.WorkflowEvent, p timerPayload) (*entity.WorkflowEvent, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ev.Payload = data
	if err := s.store.AppendWorkflowEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.arm(ev.ID, time.Until(p.TimeoutAt))
	return ev, nil
}

func (s *Service) arm(eventID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[eventID] = time.AfterFunc(d, func() { s.fire(eventID) })
}

// Clear cancels a pending timer. ErrConflict when it already resolved.
func (s *Service) Clear(ctx context.Context, eventID string) error {
	s.stopTimer(eventID)
	return s.store.MarkEventProcessed(ctx, eventID)
}

func (s *Service) stopTimer(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
		delete(s.timers, eventID)
	}
}

// Deliver routes an incoming workflow event to at most one pending await:
// the oldest whose type set matches. Reports whether an await consumed it.
func (s *Service) Deliver(ctx context.Context, workflowID, eventType string, payload json.RawMessage) (bool, error) {
	pending, err := s.store.UnprocessedEvents(ctx, entity.EventFilter{
		WorkflowID: workflowID,
		Types:      []string{entity.EventAwaitCondition},
	})
	if err != nil {
		return false, err
	}
	for _, ev := range pending {
		var p timerPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.logger.Warn("skipping await with unparseable payload",
				zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if !containsType(p.EventTypes, eventType) {
			continue
		}
		if err := s.store.MarkEventProcessed(ctx, ev.ID); err != nil {
			if errors.Is(err, errs.ErrConflict) {
				continue
			}
			return false, err
		}
		s.stopTimer(ev.ID)
		s.resolve(ctx, Firing{Event: ev, Resolution: ResolutionMatched, MatchedType: eventType, Payload: payload})
		return true, nil
	}
	return false, nil
}

// Recover reloads unprocessed timers after a restart: overdue ones fire
// immediately, the rest are rescheduled for their remaining window.
func (s *Service) Recover(ctx context.Context) error {
	pending, err := s.store.UnprocessedEvents(ctx, entity.EventFilter{
		Types: []string{entity.EventAwaitCondition, entity.EventExecutionTimeout},
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, ev := range pending {
		var p timerPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.logger.Warn("skipping timer with unparseable payload",
				zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if !p.TimeoutAt.After(now) {
			s.fire(ev.ID)
			continue
		}
		s.arm(ev.ID, p.TimeoutAt.Sub(now))
	}
	s.logger.Info("recovered timers", zap.Int("count", len(pending)))
	return nil
}

// fire resolves a timer as timed out. Lost races with Clear or Deliver are
// benign: the processed_at guard refuses the second transition.
func (s *Service) fire(eventID string) {
	s.mu.Lock()
	delete(s.timers, eventID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx := context.Background()
	ev, err := s.store.GetWorkflowEvent(ctx, eventID)
	if err != nil {
		s.logger.Warn("timer fired for missing event", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	if err := s.store.MarkEventProcessed(ctx, eventID); err != nil {
		if !errors.Is(err, errs.ErrConflict) {
			s.logger.Error("failed to mark timer processed", zap.String("event_id", eventID), zap.Error(err))
		}
		return
	}

	if ev.Type == entity.EventExecutionTimeout {
		failed := &entity.WorkflowEvent{
			WorkflowID:  ev.WorkflowID,
			Type:        entity.EventStepFailed,
			ExecutionID: ev.ExecutionID,
			StepID:      ev.StepID,
			Payload:     json.RawMessage(`{"reason":"timeout"}`),
		}
		if err := s.store.AppendWorkflowEvent(ctx, failed); err != nil {
			s.logger.Error("failed to queue step_failed after timeout",
				zap.String("event_id", eventID), zap.Error(err))
		}
	}

	s.resolve(ctx, Firing{Event: ev, Resolution: ResolutionTimeout})
}

// resolve hands the firing to the handler and mirrors it onto the bus.
func (s *Service) resolve(ctx context.Context, f Firing) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(ctx, f)
	}

	data := map[string]interface{}{
		"project_id":  s.projectID,
		"workflow_id": f.Event.WorkflowID,
		"event_id":    f.Event.ID,
		"event_type":  f.Event.Type,
		"resolution":  f.Resolution,
	}
	if f.MatchedType != "" {
		data["matched_type"] = f.MatchedType
	}
	if f.Event.StepID != nil {
		data["step_id"] = *f.Event.StepID
	}
	if f.Event.ExecutionID != nil {
		data["execution_id"] = *f.Event.ExecutionID
	}
	ev := bus.NewEvent(events.WorkflowEventQueued, "wakeup", data)
	if err := s.bus.Publish(ctx, events.WorkflowEventsSubject(s.projectID, f.Event.WorkflowID), ev); err != nil {
		s.logger.Warn("failed to publish timer resolution",
			zap.String("event_id", f.Event.ID), zap.Error(err))
	}
}

// Close stops all in-memory timers. Durable rows stay pending for the next
// recovery.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func containsType(types []string, eventType string) bool {
	for _, t := range types {
		if t == eventType {
			return true
		}
	}
	return false
}
