package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

type line struct {
	qty   int64
	price decimal.Decimal
}

func (l line) Amount() decimal.Decimal {
	return l.price.Mul(decimal.NewFromInt(l.qty))
}

func TestIsFreeVisit(t *testing.T) {
	tests := []struct {
		count, n int
		want     bool
	}{
		{0, 10, false},
		{8, 10, false},
		{9, 10, true},
		{10, 10, false},
		{19, 10, true},
		{0, 1, true},
		{4, 0, false},
		{4, -3, false},
		{-1, 10, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsFreeVisit(tt.count, tt.n), "count=%d n=%d", tt.count, tt.n)
	}
}

func TestVisitTotal(t *testing.T) {
	lines := []line{
		{qty: 1, price: decimal.NewFromInt(2000)},
		{qty: 2, price: decimal.RequireFromString("12.50")},
	}

	assert.True(t, decimal.RequireFromString("2025").Equal(VisitTotal(lines, false)))
	assert.True(t, VisitTotal(lines, true).IsZero())
	assert.True(t, VisitTotal([]line{}, false).IsZero())
}

func TestEvaluator_VisitsUntilFree(t *testing.T) {
	e := NewEvaluator(DefaultFreeVisitThreshold)
	assert.Equal(t, 10, e.VisitsUntilFree(0))
	assert.Equal(t, 1, e.VisitsUntilFree(9))
	assert.Equal(t, 10, e.VisitsUntilFree(10))
	assert.Equal(t, 0, NewEvaluator(0).VisitsUntilFree(3))
}

// Visits recorded one by one against an incrementing counter must flag
// exactly the multiples of the threshold, whatever the starting count.
func TestProperty_SequentialCountingMatchesDirectEvaluation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "threshold")
		start := rapid.IntRange(0, 10_000).Draw(t, "start")
		visits := rapid.IntRange(1, 100).Draw(t, "visits")
		e := NewEvaluator(n)

		count := start
		for i := 0; i < visits; i++ {
			free := e.NextVisitFree(count)
			count++
			if free != (count%n == 0) {
				t.Fatalf("visit #%d flagged free=%v with threshold %d", count, free, n)
			}
		}
	})
}

func TestProperty_FreeVisitTotalIsZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(0, 1000).Draw(t, "count")
		qty := rapid.Int64Range(1, 20).Draw(t, "qty")
		cents := rapid.Int64Range(0, 1_000_000).Draw(t, "cents")
		lines := []line{{qty: qty, price: decimal.New(cents, -2)}}

		free := IsFreeVisit(count, DefaultFreeVisitThreshold)
		total := VisitTotal(lines, free)
		if free && !total.IsZero() {
			t.Fatalf("free visit priced at %s", total)
		}
		if !free && !total.Equal(lines[0].Amount()) {
			t.Fatalf("total %s, want %s", total, lines[0].Amount())
		}
	})
}
