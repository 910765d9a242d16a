package compose

// BudgetPolicy decides how much of a bundle's token budget decisions may
// use before chunks are packed. Chunks always get whatever decisions leave.
type BudgetPolicy interface {
	DecisionReserve(maxTokens int) int
}

// ReservedShare reserves a fixed share of the budget for decisions.
type ReservedShare struct {
	Share float64
}

// DefaultBudget reserves a quarter of the budget for decisions.
var DefaultBudget BudgetPolicy = ReservedShare{Share: 0.25}

func (r ReservedShare) DecisionReserve(maxTokens int) int {
	share := r.Share
	if share < 0 {
		share = 0
	}
	if share > 1 {
		share = 1
	}
	return int(float64(maxTokens) * share)
}

// DecisionsFirst lets decisions take the whole budget before any chunk.
type DecisionsFirst struct{}

func (DecisionsFirst) DecisionReserve(maxTokens int) int { return maxTokens }
