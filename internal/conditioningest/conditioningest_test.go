package conditioningest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrangelab/rangerd/internal/backend"
	"github.com/openrangelab/rangerd/internal/store"
)

type recordingStore struct {
	mu       sync.Mutex
	messages []store.ConditionMessage
	scores   []store.Score
}

func (r *recordingStore) InsertConditionMessage(ctx context.Context, msg store.ConditionMessage) (store.ConditionMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return msg, nil
}

func (r *recordingStore) InsertScore(ctx context.Context, score store.Score) (store.Score, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = append(r.scores, score)
	return score, nil
}

type fakeStreamClient struct {
	backend.Client
	readings []backend.ConditionReading
}

func (f *fakeStreamClient) StreamCondition(ctx context.Context, handlerID string) (<-chan backend.ConditionReading, error) {
	ch := make(chan backend.ConditionReading, len(f.readings))
	for _, r := range f.readings {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func TestRunPersistsMessagesAndScores(t *testing.T) {
	rs := &recordingStore{}
	ing := New(rs, nil, nil)

	client := &fakeStreamClient{readings: []backend.ConditionReading{
		{HandlerID: "h1", Value: 0.5},
		{HandlerID: "h1", Value: 1.0},
	}}

	target := Target{
		DeploymentID:     uuid.New(),
		ExerciseID:       uuid.New(),
		VirtualMachineID: "vm-1",
		ConditionName:    "service-up",
		ConditionID:      "c1",
		Metrics:          []MetricRef{{Name: "availability", MaxScore: 10}},
	}

	err := ing.Run(context.Background(), client, "h1", target)
	require.NoError(t, err)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.messages, 2)
	require.Len(t, rs.scores, 2)
	assert.Equal(t, "5", rs.scores[0].Value.String())
	assert.Equal(t, "10", rs.scores[1].Value.String())
}

func TestRunSkipsOutOfRangeReadings(t *testing.T) {
	rs := &recordingStore{}
	ing := New(rs, nil, nil)

	client := &fakeStreamClient{readings: []backend.ConditionReading{
		{HandlerID: "h1", Value: 2.5},
	}}

	target := Target{ConditionName: "service-up"}
	err := ing.Run(context.Background(), client, "h1", target)
	require.NoError(t, err)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.Empty(t, rs.messages)
}
