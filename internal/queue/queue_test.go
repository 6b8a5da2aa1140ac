package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"beacon/internal/model"
	"beacon/internal/storage"
)

func wire(i int) model.WireBeacon {
	return model.WireBeacon{
		ID:        fmt.Sprintf("b-%04d", i),
		Timestamp: int64(i),
		Payload:   fmt.Sprintf("bid\tb-%04d", i),
	}
}

func openSQLite(t *testing.T, dir string) (*Queue, *storage.SQLiteStorage) {
	t.Helper()
	backend, err := storage.NewStorage(dir)
	require.NoError(t, err)
	q, err := Open(backend, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return q, backend
}

// failingBackend accepts nothing; used to check that memory never runs
// ahead of storage.
type failingBackend struct{}

var errDisk = errors.New("disk full")

func (failingBackend) Load() ([]model.WireBeacon, error) { return nil, nil }
func (failingBackend) Append(model.WireBeacon) error     { return errDisk }
func (failingBackend) Remove([]string) error              { return errDisk }
func (failingBackend) Clear() error                       { return errDisk }

func TestQueueAddItemsPreservesOrder(t *testing.T) {
	q, backend := openSQLite(t, t.TempDir())
	defer backend.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Add(wire(i)))
	}
	assert.Equal(t, []model.WireBeacon{wire(0), wire(1), wire(2)}, q.Items())
	assert.Equal(t, 3, q.Len())
}

func TestQueueItemsIsSnapshot(t *testing.T) {
	q, backend := openSQLite(t, t.TempDir())
	defer backend.Close()

	require.NoError(t, q.Add(wire(1)))
	snapshot := q.Items()
	snapshot[0].Payload = "mutated"
	require.NoError(t, q.Add(wire(2)))

	assert.Len(t, snapshot, 1)
	assert.Equal(t, wire(1), q.Items()[0])
}

func TestQueueRejectsDuplicateID(t *testing.T) {
	q, backend := openSQLite(t, t.TempDir())
	defer backend.Close()

	require.NoError(t, q.Add(wire(1)))
	assert.ErrorIs(t, q.Add(wire(1)), ErrDuplicateID)
	assert.Equal(t, 1, q.Len())
}

func TestQueueRemoveOnlySnapshotted(t *testing.T) {
	q, backend := openSQLite(t, t.TempDir())
	defer backend.Close()

	require.NoError(t, q.Add(wire(1)))
	require.NoError(t, q.Add(wire(2)))
	snapshot := q.Items()

	// A producer adds while the batch is in flight.
	require.NoError(t, q.Add(wire(3)))

	require.NoError(t, q.Remove(snapshot))
	assert.Equal(t, []model.WireBeacon{wire(3)}, q.Items())

	// Removing again is a no-op.
	require.NoError(t, q.Remove(snapshot))
	assert.Equal(t, 1, q.Len())
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	q, backend := openSQLite(t, dir)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Add(wire(i)))
	}
	require.NoError(t, q.Remove([]model.WireBeacon{wire(4), wire(7)}))
	before := q.Items()
	require.NoError(t, backend.Close())

	relaunched, backend := openSQLite(t, dir)
	defer backend.Close()
	assert.Equal(t, before, relaunched.Items())
}

func TestQueueSurvivesRestartWithJournal(t *testing.T) {
	dir := t.TempDir()
	backend, err := storage.NewJournalStorage(dir)
	require.NoError(t, err)
	q, err := Open(backend, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Add(wire(i)))
	}
	require.NoError(t, q.Remove([]model.WireBeacon{wire(0)}))
	before := q.Items()
	require.NoError(t, backend.Close())

	backend, err = storage.NewJournalStorage(dir)
	require.NoError(t, err)
	defer backend.Close()
	relaunched, err := Open(backend, nil)
	require.NoError(t, err)
	assert.Equal(t, before, relaunched.Items())
}

func TestQueueRemoveAllClearsStorage(t *testing.T) {
	dir := t.TempDir()
	q, backend := openSQLite(t, dir)
	require.NoError(t, q.Add(wire(1)))
	require.NoError(t, q.RemoveAll())
	assert.Zero(t, q.Len())
	require.NoError(t, q.Add(wire(1)), "cleared ids may be queued again")
	require.NoError(t, q.RemoveAll())
	require.NoError(t, backend.Close())

	relaunched, backend := openSQLite(t, dir)
	defer backend.Close()
	assert.Empty(t, relaunched.Items())
}

func TestQueueBackendFailureLeavesMemoryUntouched(t *testing.T) {
	q, err := Open(failingBackend{}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Add(wire(1)), errDisk)
	assert.Zero(t, q.Len())
	assert.ErrorIs(t, q.RemoveAll(), errDisk)
}

func TestQueueConcurrentAddAndRemove(t *testing.T) {
	q, backend := openSQLite(t, t.TempDir())
	defer backend.Close()

	const producers, perProducer = 4, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Add(wire(p*perProducer+i)))
			}
		}(p)
	}

	removed := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for removed < producers*perProducer/2 {
			snapshot := q.Items()
			if len(snapshot) == 0 {
				continue
			}
			assert.NoError(t, q.Remove(snapshot))
			removed += len(snapshot)
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, producers*perProducer-removed, q.Len())
}
