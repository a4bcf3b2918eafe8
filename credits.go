package nodeflow

import (
	"context"
	"fmt"
	"sync"
)

// CreditChecker decides whether a run may invoke another node. It is consulted
// before every invocation.
type CreditChecker interface {
	Sufficient(ctx context.Context, runID, nodeType string) (bool, error)
}

// UnlimitedCredits never refuses an invocation.
type UnlimitedCredits struct{}

func (UnlimitedCredits) Sufficient(ctx context.Context, runID, nodeType string) (bool, error) {
	return true, nil
}

// CreditBudget is an in-memory balance with a cost per node type. Types not
// listed in Costs use DefaultCost.
type CreditBudget struct {
	mutex       sync.Mutex
	balance     int
	costs       map[string]int
	defaultCost int
}

// NewCreditBudget returns a budget with the given starting balance.
func NewCreditBudget(balance, defaultCost int, costs map[string]int) *CreditBudget {
	if costs == nil {
		costs = map[string]int{}
	}
	return &CreditBudget{balance: balance, costs: costs, defaultCost: defaultCost}
}

// Sufficient deducts the cost of nodeType when the balance covers it.
func (b *CreditBudget) Sufficient(ctx context.Context, runID, nodeType string) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	cost, ok := b.costs[nodeType]
	if !ok {
		cost = b.defaultCost
	}
	if cost > b.balance {
		return false, nil
	}
	b.balance -= cost
	return true, nil
}

// Balance returns the remaining credits.
func (b *CreditBudget) Balance() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.balance
}

func checkCredits(ctx context.Context, checker CreditChecker, runID, nodeType string) error {
	ok, err := checker.Sufficient(ctx, runID, nodeType)
	if err != nil {
		return SystemError(fmt.Errorf("credit check failed: %w", err))
	}
	if !ok {
		return SystemError(fmt.Errorf("%w for node type %s", ErrInsufficientCredits, nodeType))
	}
	return nil
}
