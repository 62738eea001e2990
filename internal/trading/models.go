package trading

import (
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-guard/internal/sizing"
	"github.com/ksred/klear-guard/internal/types"
)

// ExecutionResult is returned by every order operation. Business rule
// failures set Success to false and list the reasons in Errors; they are
// never returned as errors.
type ExecutionResult struct {
	Success   bool                        `json:"success"`
	SignalID  string                      `json:"signal_id,omitempty"`
	Order     *types.Order                `json:"order,omitempty"`
	Sizing    *sizing.PositionSizeResult  `json:"sizing,omitempty"`
	Risk      *types.RiskValidationResult `json:"risk,omitempty"`
	Duplicate bool                        `json:"duplicate,omitempty"`
	Errors    []string                    `json:"errors,omitempty"`
	Warnings  []string                    `json:"warnings,omitempty"`
}

func (r *ExecutionResult) fail(reasons ...string) *ExecutionResult {
	r.Success = false
	r.Errors = append(r.Errors, reasons...)
	return r
}

type SubmitOptions struct {
	// ReduceOnly marks protective exits. They skip the portfolio risk checks
	// and keep only field validation.
	ReduceOnly bool
	Reason     string
}

// OrderModification lists the fields to change. Nil fields are kept.
type OrderModification struct {
	Quantity  *float64 `json:"quantity,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	StopPrice *float64 `json:"stop_price,omitempty"`
}

func (m OrderModification) IsEmpty() bool {
	return m.Quantity == nil && m.Price == nil && m.StopPrice == nil
}

// OrderFilter narrows GetUserOrders. Zero values match everything.
type OrderFilter struct {
	Statuses   []types.OrderStatus
	Symbol     string
	StrategyID string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// RetryState tracks one order waiting in ERROR for another broker attempt.
// Count is the number of retries already made.
type RetryState struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	Count       int       `json:"count"`
	LastAttempt time.Time `json:"last_attempt"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error"`
}

// keyedMutex serialises work on the same key, typically an order id.
// Entries are dropped once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func sortRetryStates(states []RetryState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].NextAttempt.Equal(states[j].NextAttempt) {
			return states[i].OrderID < states[j].OrderID
		}
		return states[i].NextAttempt.Before(states[j].NextAttempt)
	})
}
