package cmd

import (
	"bytes"
	"errors"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/internal/metrics"
	"beacon/internal/model"
	"beacon/internal/monitor"
	"beacon/internal/queue"
	"beacon/internal/storage"
)

func TestFindBeacon(t *testing.T) {
	items := []model.WireBeacon{
		{ID: "7f1c0000-aaaa"},
		{ID: "7f2d0000-bbbb"},
		{ID: "90ab0000-cccc"},
	}

	b, ok := findBeacon(items, "2")
	require.True(t, ok)
	assert.Equal(t, "7f2d0000-bbbb", b.ID)

	b, ok = findBeacon(items, "90ab")
	require.True(t, ok)
	assert.Equal(t, "90ab0000-cccc", b.ID)

	_, ok = findBeacon(items, "7f")
	assert.False(t, ok, "ambiguous prefix")

	_, ok = findBeacon(items, "4")
	assert.False(t, ok)
}

// readOnlyBackend loads beacons but refuses every change.
type readOnlyBackend struct {
	items []model.WireBeacon
}

func (b readOnlyBackend) Load() ([]model.WireBeacon, error) { return b.items, nil }
func (readOnlyBackend) Append(model.WireBeacon) error       { return errors.New("read-only") }
func (readOnlyBackend) Remove([]string) error               { return errors.New("read-only") }
func (readOnlyBackend) Clear() error                        { return errors.New("read-only") }

func TestClearQueueReportsFailure(t *testing.T) {
	q, err := queue.Open(readOnlyBackend{items: []model.WireBeacon{{ID: "a"}, {ID: "b"}}}, nil)
	require.NoError(t, err)

	_, err = clearQueue(q)
	assert.ErrorContains(t, err, "read-only")
	assert.Equal(t, 2, q.Len())
}

func TestClearQueue(t *testing.T) {
	backend, err := storage.NewStorage(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()
	q, err := queue.Open(backend, nil)
	require.NoError(t, err)
	require.NoError(t, q.Add(model.WireBeacon{ID: "a", Payload: "bid\ta"}))

	count, err := clearQueue(q)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, q.Len())
}

func trackFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.Flags().Int("status", 0, "")
	cmd.Flags().String("error", "", "")
	cmd.Flags().Bool("canceled", false, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		args    []string
		state   string
		wantErr bool
	}{
		{args: []string{"--status", "204"}, state: monitor.StateFinished},
		{args: []string{"--error", "reset by peer"}, state: monitor.StateFailed},
		{args: []string{"--canceled"}, state: monitor.StateCanceled},
		{args: nil, wantErr: true},
		{args: []string{"--status", "200", "--canceled"}, wantErr: true},
		{args: []string{"--status", "42"}, wantErr: true},
	}

	mon := monitor.NewHTTPMonitor(uuid.New(), nil, nil)
	target, err := url.Parse("https://example.com/x")
	require.NoError(t, err)

	for _, tc := range cases {
		finish, err := parseOutcome(trackFlags(t, tc.args...))
		if tc.wantErr {
			assert.Error(t, err, "%v", tc.args)
			continue
		}
		require.NoError(t, err, "%v", tc.args)

		marker := mon.Mark(target, "GET", monitor.TriggerManual, "")
		finish(marker)
		assert.Equal(t, tc.state, marker.State(), "%v", tc.args)
	}
}

func TestWriteMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Flushed(metrics.OutcomeSuccess, 3)

	var buf bytes.Buffer
	require.NoError(t, writeMetrics(&buf, reg))
	assert.Contains(t, buf.String(), "beacon_reporter_beacons_sent_total 3")
	assert.Contains(t, buf.String(), `beacon_reporter_flushes_total{outcome="success"} 1`)
}
