package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/store"
)

type recordingArchiver struct {
	batches [][]*models.EventOccurrence
	err     error
}

func (r *recordingArchiver) ArchiveOccurrences(ctx context.Context, batch []*models.EventOccurrence) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, batch)
	return nil
}

func seed(t *testing.T, mem *store.Memory, now time.Time) {
	t.Helper()
	ctx := context.Background()
	short := &models.EventDefinition{Code: "short", Name: "Short", IsActive: true, IsLogged: true, LogRetentionDays: 7}
	forever := &models.EventDefinition{Code: "forever", Name: "Forever", IsActive: true, IsLogged: true, LogRetentionDays: 0}
	require.NoError(t, mem.CreateEvent(ctx, short))
	require.NoError(t, mem.CreateEvent(ctx, forever))

	for i := 0; i < 5; i++ {
		require.NoError(t, mem.AppendOccurrence(ctx, &models.EventOccurrence{EventID: short.ID, TriggeredAt: now.AddDate(0, 0, -10-i)}))
	}
	require.NoError(t, mem.AppendOccurrence(ctx, &models.EventOccurrence{EventID: short.ID, TriggeredAt: now.AddDate(0, 0, -1)}))
	require.NoError(t, mem.AppendOccurrence(ctx, &models.EventOccurrence{EventID: forever.ID, TriggeredAt: now.AddDate(-1, 0, 0)}))
}

func TestSweep_DeletesExpiredInBatches(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seed(t, mem, now)
	archiver := &recordingArchiver{}
	s := NewSweeper(mem, archiver, nil, Config{BatchSize: 2})
	s.now = func() time.Time { return now }

	deleted, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)
	assert.Len(t, archiver.batches, 3)

	_, remaining, err := mem.ListOccurrences(context.Background(), models.OccurrenceFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
}

func TestSweep_ArchiveFailureKeepsRows(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seed(t, mem, now)
	s := NewSweeper(mem, &recordingArchiver{err: errors.New("minio down")}, nil, Config{})
	s.now = func() time.Time { return now }

	deleted, err := s.Sweep(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(0), deleted)

	_, remaining, err := mem.ListOccurrences(context.Background(), models.OccurrenceFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), remaining)
}

func TestSweep_WithoutArchiver(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seed(t, mem, now)
	s := NewSweeper(mem, nil, nil, Config{})
	s.now = func() time.Time { return now }

	deleted, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)
}

func TestStart_StopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	s := NewSweeper(mem, nil, nil, Config{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
