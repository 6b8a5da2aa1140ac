package reporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"beacon/internal/clock"
	"beacon/internal/config"
	"beacon/internal/mapping"
	"beacon/internal/metrics"
	"beacon/internal/model"
	"beacon/internal/netstatus"
	"beacon/internal/queue"
	"beacon/internal/storage"
)

const waitTimeout = 5 * time.Second

type reply struct {
	status int
	err    error
}

type sentRequest struct {
	header http.Header
	body   []byte
}

// fakeTransport answers with replies in order and repeats the last one.
type fakeTransport struct {
	mu       sync.Mutex
	replies  []reply
	requests []sentRequest
	// before runs at the start of the n-th Send, outside the lock.
	before func(n int)
}

func (f *fakeTransport) Send(req *http.Request) (int, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, sentRequest{})
	f.mu.Unlock()

	if f.before != nil {
		f.before(n)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[n] = sentRequest{header: req.Header.Clone(), body: body}
	r := reply{status: http.StatusOK}
	if len(f.replies) > 0 {
		i := n
		if i >= len(f.replies) {
			i = len(f.replies) - 1
		}
		r = f.replies[i]
	}
	return r.status, r.err
}

func (f *fakeTransport) sent() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.requests...)
}

type harness struct {
	reporter  *Reporter
	queue     *queue.Queue
	transport *fakeTransport
	conn      *netstatus.Static
	clock     *clock.Fake
	mapper    *mapping.Mapper
	results   chan Result
}

type harnessOption func(*config.Config, *Options)

func withConnection(c netstatus.ConnectionType) harnessOption {
	return func(_ *config.Config, o *Options) {
		o.Connectivity = netstatus.NewStatic(c)
	}
}

func newHarness(t *testing.T, transport *fakeTransport, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Key = "KEY"
	cfg.ReportingURL = "http://collector.test/mobile"
	cfg.TransmissionDelay = 0
	cfg.TransmissionLowBatteryDelay = 0
	cfg.DataDir = t.TempDir()

	fake := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	o := Options{
		Connectivity: netstatus.NewStatic(netstatus.ConnectionWiFi),
		Clock:        fake,
		Logger:       zaptest.NewLogger(t).Sugar(),
	}
	for _, opt := range opts {
		opt(&cfg, &o)
	}

	backend, err := storage.NewStorage(cfg.DataDir)
	require.NoError(t, err)
	q, err := queue.Open(backend, o.Logger)
	require.NoError(t, err)

	results := make(chan Result, 16)
	o.Completion = func(r Result) { results <- r }

	mapper := mapping.NewMapper(cfg.Key)
	r := New(cfg, q, mapper, transport, o)
	t.Cleanup(func() {
		r.Close()
		backend.Close()
	})

	conn, _ := o.Connectivity.(*netstatus.Static)
	return &harness{
		reporter:  r,
		queue:     q,
		transport: transport,
		conn:      conn,
		clock:     fake,
		mapper:    mapper,
		results:   results,
	}
}

func (h *harness) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for flush result")
		return Result{}
	}
}

func (h *harness) assertNoResult(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.results:
		t.Fatalf("unexpected flush result: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func record(t *testing.T, path string) model.HTTPBeacon {
	t.Helper()
	u, err := url.Parse("https://api.example.com" + path)
	require.NoError(t, err)
	return model.HTTPBeacon{
		Beacon:       model.NewBeacon(uuid.New(), 1709294400000, "Home"),
		Method:       http.MethodGet,
		URL:          *u,
		Path:         u.Path,
		Duration:     120,
		ResponseCode: 200,
		Result:       "finished",
	}
}

func gunzip(t *testing.T, body []byte) string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(out)
}

func TestSubmitFlushesImmediatelyWithZeroDelay(t *testing.T) {
	h := newHarness(t, &fakeTransport{})

	rec := record(t, "/users")
	require.NoError(t, h.reporter.Submit(rec))

	result := h.wait(t)
	require.NoError(t, result.Err)
	assert.True(t, result.Success())
	require.Len(t, result.Beacons, 1)
	assert.Equal(t, rec.ID.String(), result.Beacons[0].ID)
	assert.Equal(t, 0, h.queue.Len())

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "text/plain", sent[0].header.Get("Content-Type"))
	assert.Equal(t, "gzip", sent[0].header.Get("Content-Encoding"))
	assert.Equal(t, fmt.Sprint(len(sent[0].body)), sent[0].header.Get("Content-Length"))
	assert.Equal(t, result.Beacons[0].Payload, gunzip(t, sent[0].body))
}

func TestOfflineKeepsQueueUntilConnectionReturns(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport, withConnection(netstatus.ConnectionNone))

	require.NoError(t, h.reporter.Submit(record(t, "/offline")))

	result := h.wait(t)
	assert.ErrorIs(t, result.Err, ErrOffline)
	assert.Empty(t, result.Beacons)
	assert.Equal(t, 1, h.queue.Len())
	assert.Empty(t, transport.sent())

	h.conn.Set(netstatus.ConnectionWiFi)

	result = h.wait(t)
	require.NoError(t, result.Err)
	assert.Len(t, result.Beacons, 1)
	assert.Equal(t, 0, h.queue.Len())
}

func TestConnectionLossDoesNotTriggerFlush(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport)

	h.conn.Set(netstatus.ConnectionNone)
	h.assertNoResult(t)
	assert.Empty(t, transport.sent())
}

func TestNon2xxKeepsQueue(t *testing.T) {
	transport := &fakeTransport{replies: []reply{{status: http.StatusServiceUnavailable}}}
	h := newHarness(t, transport)

	require.NoError(t, h.reporter.Submit(record(t, "/a")))

	result := h.wait(t)
	assert.ErrorIs(t, result.Err, ErrInvalidResponse)
	assert.Contains(t, result.Err.Error(), "503")
	assert.Len(t, result.Beacons, 1)
	assert.Equal(t, 1, h.queue.Len())
}

func TestTransportFailureKeepsQueue(t *testing.T) {
	dialErr := errors.New("connection refused")
	transport := &fakeTransport{replies: []reply{{err: dialErr}}}
	h := newHarness(t, transport)

	require.NoError(t, h.reporter.Submit(record(t, "/a")))

	result := h.wait(t)
	assert.ErrorIs(t, result.Err, ErrTransport)
	assert.ErrorIs(t, result.Err, dialErr)
	assert.Equal(t, 1, h.queue.Len())
}

func TestCellularSuspendedByPolicy(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport,
		withConnection(netstatus.ConnectionCellular),
		func(c *config.Config, _ *Options) {
			c.SuspendReporting = []config.SuspendReporting{config.SuspendOnCellular}
		},
	)

	require.NoError(t, h.reporter.Submit(record(t, "/a")))

	result := h.wait(t)
	assert.ErrorIs(t, result.Err, ErrSuspended)
	assert.Empty(t, transport.sent())
	assert.Equal(t, 1, h.queue.Len())

	h.conn.Set(netstatus.ConnectionWiFi)
	result = h.wait(t)
	require.NoError(t, result.Err)
	assert.Equal(t, 0, h.queue.Len())
}

func TestCellularAllowedWithoutPolicy(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, withConnection(netstatus.ConnectionCellular))

	require.NoError(t, h.reporter.Submit(record(t, "/a")))
	require.NoError(t, h.wait(t).Err)
	assert.Equal(t, 0, h.queue.Len())
}

func TestLowBatterySuspendedByPolicy(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport, func(c *config.Config, o *Options) {
		c.SuspendReporting = []config.SuspendReporting{config.SuspendOnLowBattery}
		o.Power = netstatus.PowerFunc(func() bool { return false })
	})

	require.NoError(t, h.reporter.Submit(record(t, "/a")))

	result := h.wait(t)
	assert.ErrorIs(t, result.Err, ErrSuspended)
	assert.Empty(t, transport.sent())
	assert.Equal(t, 1, h.queue.Len())
}

func TestLowBatteryUsesLongerDelay(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport, func(c *config.Config, o *Options) {
		c.TransmissionDelay = time.Second
		c.TransmissionLowBatteryDelay = 10 * time.Second
		o.Power = netstatus.PowerFunc(func() bool { return false })
	})

	require.NoError(t, h.reporter.Submit(record(t, "/a")))
	h.clock.Advance(time.Second)
	h.assertNoResult(t)

	h.clock.Advance(9 * time.Second)
	require.NoError(t, h.wait(t).Err)
	assert.Len(t, transport.sent(), 1)
}

func TestMissingKeyIsNotAuthenticated(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport, func(c *config.Config, _ *Options) {
		c.Key = ""
	})

	require.NoError(t, h.reporter.Submit(record(t, "/a")))

	result := h.wait(t)
	assert.ErrorIs(t, result.Err, ErrNotAuthenticated)
	assert.Len(t, result.Beacons, 1)
	assert.Empty(t, transport.sent())
	assert.Equal(t, 1, h.queue.Len())
}

func TestSubmitsWithinDelayAreBatched(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport, func(c *config.Config, _ *Options) {
		c.TransmissionDelay = time.Second
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, h.reporter.Submit(record(t, fmt.Sprintf("/items/%d", i))))
		h.clock.Advance(500 * time.Millisecond)
	}
	h.assertNoResult(t)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(time.Second)

	result := h.wait(t)
	require.NoError(t, result.Err)
	require.Len(t, result.Beacons, 5)

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	payloads := strings.Split(gunzip(t, sent[0].body), "\n\n")
	require.Len(t, payloads, 5)
	for i, p := range payloads {
		assert.Equal(t, fmt.Sprintf("/items/%d", i), mapping.Parse(p)["hp"])
	}
}

func TestSubmitDuringFlushIsNotLost(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{before: func(n int) {
		if n == 0 {
			close(entered)
			<-release
		}
	}}
	h := newHarness(t, transport)

	first := record(t, "/first")
	require.NoError(t, h.reporter.Submit(first))
	<-entered

	second := record(t, "/second")
	require.NoError(t, h.reporter.Submit(second))
	close(release)

	result := h.wait(t)
	require.NoError(t, result.Err)
	require.Len(t, result.Beacons, 1)
	assert.Equal(t, first.ID.String(), result.Beacons[0].ID)

	result = h.wait(t)
	require.NoError(t, result.Err)
	require.Len(t, result.Beacons, 1)
	assert.Equal(t, second.ID.String(), result.Beacons[0].ID)

	assert.Equal(t, 0, h.queue.Len())
	assert.Len(t, transport.sent(), 2)
}

func TestSetCompletionReplacesCallback(t *testing.T) {
	h := newHarness(t, &fakeTransport{})

	replaced := make(chan Result, 1)
	h.reporter.SetCompletion(func(r Result) { replaced <- r })
	require.NoError(t, h.reporter.Submit(record(t, "/a")))

	select {
	case r := <-replaced:
		assert.NoError(t, r.Err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for flush result")
	}
	h.assertNoResult(t)
}

func TestGzipDisabledSendsPlainBody(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport, func(c *config.Config, _ *Options) {
		c.GzipReport = false
	})

	require.NoError(t, h.reporter.Submit(record(t, "/plain")))
	result := h.wait(t)
	require.NoError(t, result.Err)

	sent := transport.sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].header.Get("Content-Encoding"))
	assert.Equal(t, result.Beacons[0].Payload, string(sent[0].body))
}

func TestCompressionFailureFallsBackToPlainBody(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport)
	h.reporter.compressor = func([]byte) ([]byte, error) {
		return nil, errors.New("compressor unavailable")
	}

	require.NoError(t, h.reporter.Submit(record(t, "/fallback")))
	result := h.wait(t)
	require.NoError(t, result.Err)

	sent := transport.sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].header.Get("Content-Encoding"))
	assert.Equal(t, result.Beacons[0].Payload, string(sent[0].body))
}

func TestUnmappableRecordIsDropped(t *testing.T) {
	h := newHarness(t, &fakeTransport{})

	rec := record(t, "/a")
	rec.Method = ""
	err := h.reporter.Submit(rec)

	assert.ErrorIs(t, err, ErrMapping)
	assert.ErrorIs(t, err, mapping.ErrInvalidBeacon)
	assert.Equal(t, 0, h.queue.Len())
	h.assertNoResult(t)
}

func TestRetryPolicyResendsAfterFailure(t *testing.T) {
	transport := &fakeTransport{replies: []reply{
		{status: http.StatusBadGateway},
		{status: http.StatusOK},
	}}
	h := newHarness(t, transport, func(c *config.Config, _ *Options) {
		c.Retry = config.RetryConfig{
			Enabled:         true,
			InitialInterval: time.Second,
			MaxInterval:     time.Second,
		}
	})

	require.NoError(t, h.reporter.Submit(record(t, "/a")))
	assert.ErrorIs(t, h.wait(t).Err, ErrInvalidResponse)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(2 * time.Second)

	result := h.wait(t)
	require.NoError(t, result.Err)
	assert.Len(t, result.Beacons, 1)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestRetryDisabledByDefault(t *testing.T) {
	transport := &fakeTransport{replies: []reply{{status: http.StatusInternalServerError}}}
	h := newHarness(t, transport)

	require.NoError(t, h.reporter.Submit(record(t, "/a")))
	assert.ErrorIs(t, h.wait(t).Err, ErrInvalidResponse)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestFlushAndWait(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport, func(c *config.Config, _ *Options) {
		c.TransmissionDelay = time.Hour
	})

	require.NoError(t, h.reporter.Submit(record(t, "/a")))
	require.NoError(t, h.reporter.Submit(record(t, "/b")))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	result, err := h.reporter.FlushAndWait(ctx)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Len(t, result.Beacons, 2)
	assert.Equal(t, 0, h.queue.Len())
}

func TestFlushEmptyQueueSucceedsWithoutRequest(t *testing.T) {
	transport := &fakeTransport{}
	h := newHarness(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	result, err := h.reporter.FlushAndWait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Empty(t, result.Beacons)
	assert.Empty(t, transport.sent())
}

func TestCloseStopsReporter(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, func(c *config.Config, _ *Options) {
		c.TransmissionDelay = time.Second
	})

	require.NoError(t, h.reporter.Submit(record(t, "/a")))
	require.NoError(t, h.reporter.Close())
	require.NoError(t, h.reporter.Close())

	assert.Equal(t, 0, h.clock.Pending())
	_, err := h.reporter.FlushAndWait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, h.queue.Len())
}

func TestQueuedBeaconsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Key = "KEY"
	cfg.TransmissionDelay = 0
	logger := zaptest.NewLogger(t).Sugar()

	open := func() (*queue.Queue, *storage.SQLiteStorage) {
		backend, err := storage.NewStorage(dir)
		require.NoError(t, err)
		q, err := queue.Open(backend, logger)
		require.NoError(t, err)
		return q, backend
	}

	q, backend := open()
	offline := New(cfg, q, mapping.NewMapper(cfg.Key), &fakeTransport{}, Options{
		Connectivity: netstatus.NewStatic(netstatus.ConnectionNone),
		Logger:       logger,
	})
	require.NoError(t, offline.Submit(record(t, "/a")))
	require.NoError(t, offline.Submit(record(t, "/b")))
	require.NoError(t, offline.Close())
	require.NoError(t, backend.Close())

	q, backend = open()
	defer backend.Close()
	require.Equal(t, 2, q.Len())

	transport := &fakeTransport{}
	online := New(cfg, q, mapping.NewMapper(cfg.Key), transport, Options{Logger: logger})
	defer online.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	result, err := online.FlushAndWait(ctx)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Len(t, result.Beacons, 2)
	assert.Equal(t, 0, q.Len())
	assert.Len(t, transport.sent(), 1)
}

func TestMetricsRecordFlushOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	transport := &fakeTransport{replies: []reply{
		{status: http.StatusInternalServerError},
		{status: http.StatusOK},
	}}
	h := newHarness(t, transport, func(c *config.Config, o *Options) {
		c.TransmissionDelay = time.Hour
		o.Metrics = metrics.New(reg)
	})

	require.NoError(t, h.reporter.Submit(record(t, "/a")))
	require.NoError(t, h.reporter.Submit(record(t, "/b")))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for i := 0; i < 2; i++ {
		_, err := h.reporter.FlushAndWait(ctx)
		require.NoError(t, err)
	}

	expected := `
# HELP beacon_reporter_beacons_sent_total Beacons acknowledged by the collector and removed from the queue
# TYPE beacon_reporter_beacons_sent_total counter
beacon_reporter_beacons_sent_total 2
# HELP beacon_reporter_flushes_total Flush attempts by outcome
# TYPE beacon_reporter_flushes_total counter
beacon_reporter_flushes_total{outcome="invalid_response"} 1
beacon_reporter_flushes_total{outcome="success"} 1
# HELP beacon_reporter_queue_length Beacons currently waiting in the durable queue
# TYPE beacon_reporter_queue_length gauge
beacon_reporter_queue_length 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"beacon_reporter_beacons_sent_total",
		"beacon_reporter_flushes_total",
		"beacon_reporter_queue_length",
	))
}
