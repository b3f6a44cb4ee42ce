package scoring

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
)

func TestParseValueAccepted(t *testing.T) {
	v, err := ParseValue("c1", 0.4)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromFloat32(0.4)))
}

func TestParseValueRejectsOutOfRange(t *testing.T) {
	_, err := ParseValue("c1", 1.5)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMalformedConditionValue))

	_, err = ParseValue("c1", -0.1)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMalformedConditionValue))
}

func TestComputeExactDecimal(t *testing.T) {
	value := decimal.NewFromFloat(0.4)
	maxScore := decimal.NewFromInt(50)

	got := Compute(value, maxScore)

	assert.True(t, got.Equal(decimal.NewFromInt(20)), "got %s, want 20", got)
}
