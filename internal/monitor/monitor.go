package monitor

import (
	"net/url"

	"github.com/google/uuid"

	"beacon/internal/clock"
)

// HTTPMonitor creates markers bound to one session. Every marker it
// creates reports its terminal transition to the monitor's delegate.
type HTTPMonitor struct {
	sessionID uuid.UUID
	clock     clock.Clock
	delegate  Delegate
}

// NewHTTPMonitor returns a monitor for sessionID. delegate may be nil.
func NewHTTPMonitor(sessionID uuid.UUID, clk clock.Clock, delegate Delegate) *HTTPMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &HTTPMonitor{
		sessionID: sessionID,
		clock:     clk,
		delegate:  delegate,
	}
}

// SessionID returns the session the monitor's markers belong to.
func (h *HTTPMonitor) SessionID() uuid.UUID {
	return h.sessionID
}

// Mark starts tracking a call to u.
func (h *HTTPMonitor) Mark(u *url.URL, method string, trigger Trigger, viewName string) *Marker {
	return newMarker(h.sessionID, h.clock, u, method, trigger, viewName, h.delegate)
}
