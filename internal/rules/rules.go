// Package rules evaluates business-derived values that must agree between an
// offline client and the server: the loyalty free-visit rule and visit totals.
//
// Every function here is pure. Callers supply the client's visit count as it
// was read inside the same transaction that records the new visit, which is
// what keeps the offline answer equal to the server's.
package rules

import (
	"github.com/shopspring/decimal"
)

// DefaultFreeVisitThreshold makes every 10th visit free.
const DefaultFreeVisitThreshold = 10

// IsFreeVisit reports whether visit number visitCount+1 is free under a
// threshold of n. A non-positive threshold disables the rule.
func IsFreeVisit(visitCount, n int) bool {
	if n <= 0 || visitCount < 0 {
		return false
	}
	return (visitCount+1)%n == 0
}

// Pricer is anything that contributes an amount to a visit total.
type Pricer interface {
	Amount() decimal.Decimal
}

// VisitTotal sums line amounts, or returns zero for a free visit.
func VisitTotal[L Pricer](lines []L, free bool) decimal.Decimal {
	total := decimal.Zero
	if free {
		return total
	}
	for _, l := range lines {
		total = total.Add(l.Amount())
	}
	return total
}

// Evaluator binds a configured threshold.
type Evaluator struct {
	Threshold int
}

func NewEvaluator(threshold int) Evaluator {
	return Evaluator{Threshold: threshold}
}

// NextVisitFree reports whether the visit following visitCount is free.
func (e Evaluator) NextVisitFree(visitCount int) bool {
	return IsFreeVisit(visitCount, e.Threshold)
}

// VisitsUntilFree returns how many more visits a client needs before the
// next free one, counting that free visit. Zero means the rule is off.
func (e Evaluator) VisitsUntilFree(visitCount int) int {
	if e.Threshold <= 0 || visitCount < 0 {
		return 0
	}
	return e.Threshold - visitCount%e.Threshold
}
