// Package monitor tracks in-flight HTTP calls and turns each one into
// an immutable model.HTTPBeacon once it reaches a terminal state.
package monitor

import (
	"context"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"beacon/internal/clock"
	"beacon/internal/model"
)

// Trigger tells how a marker was created.
type Trigger int

const (
	// TriggerManual markers are created by application code.
	TriggerManual Trigger = iota
	// TriggerAutomatic markers are created by the instrumented client.
	TriggerAutomatic
)

func (t Trigger) String() string {
	if t == TriggerAutomatic {
		return "automatic"
	}
	return "manual"
}

// Marker states. A marker leaves StateStarted exactly once.
const (
	StateStarted  = "started"
	StateFinished = "finished"
	StateFailed   = "failed"
	StateCanceled = "canceled"
)

const (
	eventFinish = "finish"
	eventFail   = "fail"
	eventCancel = "cancel"
)

// CanceledDescription is the error description recorded for canceled
// calls.
const CanceledDescription = "request canceled"

// Delegate is notified once, after the marker's terminal transition.
type Delegate func(*Marker)

// Marker follows one HTTP call from start to its terminal outcome.
// All methods are safe for concurrent use; the first terminal
// transition wins and later ones are ignored.
type Marker struct {
	url       url.URL
	method    string
	trigger   Trigger
	viewName  string
	beacon    model.Beacon
	startTime model.Milliseconds
	clock     clock.Clock
	delegate  Delegate

	mu             sync.Mutex
	machine        *fsm.FSM
	responseSize   *model.HTTPSize
	backendTraceID string
	endTime        *model.Milliseconds
	responseCode   int
	failure        string
}

func newMarker(sessionID uuid.UUID, clk clock.Clock, u *url.URL, method string, trigger Trigger, viewName string, delegate Delegate) *Marker {
	start := clk.Now().UnixMilli()
	m := &Marker{
		url:          *u,
		method:       method,
		trigger:      trigger,
		viewName:     viewName,
		beacon:       model.NewBeacon(sessionID, start, viewName),
		startTime:    start,
		clock:        clk,
		delegate:     delegate,
		responseCode: model.NoResponseCode,
	}

	m.machine = fsm.NewFSM(
		StateStarted,
		fsm.Events{
			{Name: eventFinish, Src: []string{StateStarted}, Dst: StateFinished},
			{Name: eventFail, Src: []string{StateStarted}, Dst: StateFailed},
			{Name: eventCancel, Src: []string{StateStarted}, Dst: StateCanceled},
		},
		fsm.Callbacks{
			// Runs while m.mu is held by the method that fired the event.
			"enter_state": func(_ context.Context, e *fsm.Event) {
				end := m.clock.Now().UnixMilli()
				if end < m.startTime {
					end = m.startTime
				}
				m.endTime = &end
				switch e.Dst {
				case StateFinished:
					m.responseCode = e.Args[0].(int)
				case StateFailed:
					m.failure = e.Args[0].(string)
				case StateCanceled:
					m.failure = CanceledDescription
				}
			},
		},
	)
	return m
}

// URL returns the target URL.
func (m *Marker) URL() url.URL { return m.url }

// Method returns the HTTP method.
func (m *Marker) Method() string { return m.method }

// Trigger returns how the marker was created.
func (m *Marker) Trigger() Trigger { return m.trigger }

// StartTime returns the start time in milliseconds since the epoch.
func (m *Marker) StartTime() model.Milliseconds { return m.startTime }

// State returns the current state.
func (m *Marker) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Current()
}

// SetResponseSize records the response size. Ignored once the marker
// has left StateStarted.
func (m *Marker) SetResponseSize(size model.HTTPSize) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.machine.Is(StateStarted) {
		return
	}
	m.responseSize = &size
}

// SetBackendTraceID records the backend correlation id. Ignored once
// the marker has left StateStarted.
func (m *Marker) SetBackendTraceID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.machine.Is(StateStarted) {
		return
	}
	m.backendTraceID = id
}

// Finish marks the call as completed with the given response code.
func (m *Marker) Finish(responseCode int) {
	m.transition(eventFinish, responseCode)
}

// Fail marks the call as failed with err.
func (m *Marker) Fail(err error) {
	description := "unknown error"
	if err != nil {
		description = err.Error()
	}
	m.transition(eventFail, description)
}

// Cancel marks the call as canceled before completion.
func (m *Marker) Cancel() {
	m.transition(eventCancel)
}

func (m *Marker) transition(event string, args ...interface{}) {
	m.mu.Lock()
	err := m.machine.Event(context.Background(), event, args...)
	m.mu.Unlock()
	if err != nil {
		// Already terminal.
		return
	}
	if m.delegate != nil {
		m.delegate(m)
	}
}

// Duration returns end minus start once terminal, otherwise zero.
func (m *Marker) Duration() model.Milliseconds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationLocked()
}

func (m *Marker) durationLocked() model.Milliseconds {
	if m.endTime == nil {
		return 0
	}
	return *m.endTime - m.startTime
}

// Beacon converts the marker's current state into a record. It is a
// pure function of that state and may be called any number of times.
func (m *Marker) Beacon() model.HTTPBeacon {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.machine.Current()
	beacon := model.HTTPBeacon{
		Beacon:         m.beacon,
		Method:         m.method,
		URL:            m.url,
		Path:           m.url.Path,
		Duration:       m.durationLocked(),
		ResponseCode:   model.NoResponseCode,
		Result:         state,
		BackendTraceID: m.backendTraceID,
	}
	if m.responseSize != nil {
		size := *m.responseSize
		beacon.ResponseSize = &size
	}

	switch state {
	case StateFinished:
		beacon.ResponseCode = m.responseCode
	case StateFailed, StateCanceled:
		beacon.Error = m.failure
	}
	return beacon
}
