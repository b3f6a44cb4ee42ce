// Package scoring computes Score values from condition readings using
// exact decimal arithmetic, preserving the exact value × max_score with
// no floating-point rounding.
package scoring

import (
	"github.com/shopspring/decimal"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
)

// MinValue and MaxValue bound a valid condition reading.
var (
	MinValue = decimal.Zero
	MaxValue = decimal.NewFromInt(1)
)

// ParseValue converts a raw stream reading to decimal and validates it lies
// in [0,1], returning MalformedConditionValue otherwise.
func ParseValue(conditionName string, raw float32) (decimal.Decimal, error) {
	v := decimal.NewFromFloat32(raw)
	if v.LessThan(MinValue) || v.GreaterThan(MaxValue) {
		return decimal.Zero, apperrors.MalformedConditionValue(conditionName, v.String())
	}
	return v, nil
}

// Compute returns value × maxScore as an exact decimal, never rounded or
// pre-multiplied ahead of persistence.
func Compute(value decimal.Decimal, maxScore decimal.Decimal) decimal.Decimal {
	return value.Mul(maxScore)
}

// FromFloat converts a scenario-defined max_score (stored as a plain
// float64) to decimal at the ingestion boundary; the ingestor calls it for
// each metric of every accepted reading.
func FromFloat(maxScore float64) decimal.Decimal {
	return decimal.NewFromFloat(maxScore)
}
