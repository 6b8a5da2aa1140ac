// Package netstatus provides the connectivity and power signals that
// gate batch transmission.
package netstatus

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ConnectionType is the kind of network currently available.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionWiFi
	ConnectionCellular
	ConnectionOther
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionNone:
		return "none"
	case ConnectionWiFi:
		return "wifi"
	case ConnectionCellular:
		return "cellular"
	case ConnectionOther:
		return "other"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ParseConnectionType parses the String form of a ConnectionType.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "offline":
		return ConnectionNone, nil
	case "wifi":
		return ConnectionWiFi, nil
	case "cellular":
		return ConnectionCellular, nil
	case "other":
		return ConnectionOther, nil
	default:
		return ConnectionNone, fmt.Errorf("unknown connection type %q", s)
	}
}

// ConnectivitySensor reports the current connection and notifies
// subscribers of every update.
type ConnectivitySensor interface {
	ConnectionType() ConnectionType
	// Subscribe registers fn for updates and returns a function that
	// removes it.
	Subscribe(fn func(ConnectionType)) (unsubscribe func())
}

// Static is a ConnectivitySensor whose state is set explicitly, e.g.
// from a command-line flag or a platform callback.
type Static struct {
	mu          sync.Mutex
	current     ConnectionType
	nextID      int
	subscribers map[int]func(ConnectionType)
}

// NewStatic returns a sensor reporting initial.
func NewStatic(initial ConnectionType) *Static {
	return &Static{
		current:     initial,
		subscribers: make(map[int]func(ConnectionType)),
	}
}

// ConnectionType returns the current connection.
func (s *Static) ConnectionType() ConnectionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers fn for updates.
func (s *Static) Subscribe(fn func(ConnectionType)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// Set updates the connection and notifies subscribers synchronously,
// outside the sensor's lock. Setting the current value again is not an
// update.
func (s *Static) Set(c ConnectionType) {
	s.mu.Lock()
	if s.current == c {
		s.mu.Unlock()
		return
	}
	s.current = c
	subscribers := make([]func(ConnectionType), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(c)
	}
}

// DialProbe reports ConnectionOther when a TCP connection to the host
// of endpoint can be established within timeout, ConnectionNone
// otherwise.
func DialProbe(ctx context.Context, endpoint string, timeout time.Duration) ConnectionType {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return ConnectionNone
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return ConnectionNone
	}
	conn.Close()
	return ConnectionOther
}
