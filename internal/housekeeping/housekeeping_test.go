package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrangelab/rangerd/internal/store"
)

type fakeStore struct {
	stale []store.DeploymentElement
	err   error
	calls int
}

func (f *fakeStore) StaleOngoingElements(ctx context.Context, olderThan time.Time) ([]store.DeploymentElement, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.stale, nil
}

func TestSweepOnceReturnsReapedElements(t *testing.T) {
	fs := &fakeStore{stale: []store.DeploymentElement{
		{ID: uuid.New(), Status: store.StatusFailed},
	}}
	r := New(fs, "@every 1h", time.Minute, nil, nil)

	elems, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, elems, 1)
	assert.Equal(t, 1, fs.calls)
}

func TestSweepOnceSurfacesStoreError(t *testing.T) {
	fs := &fakeStore{err: assertErr}
	r := New(fs, "@every 1h", time.Minute, nil, nil)

	_, err := r.SweepOnce(context.Background())
	assert.ErrorIs(t, err, assertErr)
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(&fakeStore{}, "", 0, nil, nil)
	assert.Equal(t, "@every 5m", r.schedule)
	assert.Equal(t, 15*time.Minute, r.grace)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	r := New(&fakeStore{}, "not a cron expression", time.Minute, nil, nil)
	err := r.Start(context.Background())
	assert.Error(t, err)
}

var assertErr = &staleErr{"boom"}

type staleErr struct{ msg string }

func (e *staleErr) Error() string { return e.msg }
