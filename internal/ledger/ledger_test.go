package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
)

func TestPutAndGet(t *testing.T) {
	l := New()

	require.NoError(t, l.Put("tpl/1.0", "T1"))

	ref, err := l.Get("tpl/1.0")
	require.NoError(t, err)
	assert.Equal(t, "T1", ref)
}

func TestPutDuplicateFails(t *testing.T) {
	l := New()
	require.NoError(t, l.Put("a-0", "A1"))

	err := l.Put("a-0", "A2")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDuplicateLedgerKey))
}

func TestGetMissingFails(t *testing.T) {
	l := New()

	_, err := l.Get("nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingReference))
}

func TestGetAll(t *testing.T) {
	l := New()
	require.NoError(t, l.Put("a-0", "A1"))
	require.NoError(t, l.Put("b-0", "B1"))

	refs, err := l.GetAll([]string{"a-0", "b-0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "B1"}, refs)

	_, err = l.GetAll([]string{"a-0", "missing"})
	require.Error(t, err)
}

func TestConcurrentPutIsSerialized(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	successes := make([]bool, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = l.Put("shared-key", "handle") == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent Put should win")
	assert.Equal(t, 1, l.Len())
}
