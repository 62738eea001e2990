package trading

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-guard/internal/config"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/types"
)

// RetryCoordinator re-submits orders left in ERROR by a transient broker
// failure, with exponential backoff. An order is rejected once MaxRetries
// consecutive submissions, the first one included, have failed.
type RetryCoordinator struct {
	service *Service
	cfg     config.RetryConfig

	mu       sync.Mutex
	tracking map[string]*RetryState
	inFlight map[string]bool
}

func newRetryCoordinator(service *Service, cfg config.RetryConfig) *RetryCoordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &RetryCoordinator{
		service:  service,
		cfg:      cfg,
		tracking: make(map[string]*RetryState),
		inFlight: make(map[string]bool),
	}
}

// Delay is the wait before retry number attempt (1-based):
// base × multiplier^(attempt-1).
func (r *RetryCoordinator) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1)))
}

// Track records a failed attempt for an order in ERROR and schedules the
// next one. The order's RetryCount is the number of retries already made.
func (r *RetryCoordinator) Track(order *types.Order) RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.trackLocked(order, r.service.now())
}

func (r *RetryCoordinator) trackLocked(order *types.Order, lastAttempt time.Time) *RetryState {
	state := &RetryState{
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		Count:       order.RetryCount,
		LastAttempt: lastAttempt,
		NextAttempt: lastAttempt.Add(r.Delay(order.RetryCount + 1)),
		LastError:   order.LastError,
	}
	r.tracking[order.OrderID] = state
	return state
}

// Forget drops any tracking for the order
func (r *RetryCoordinator) Forget(orderID string) {
	r.mu.Lock()
	delete(r.tracking, orderID)
	r.mu.Unlock()
}

// Status returns the retry table ordered by next attempt
func (r *RetryCoordinator) Status() []RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]RetryState, 0, len(r.tracking))
	for _, st := range r.tracking {
		states = append(states, *st)
	}
	sortRetryStates(states)
	return states
}

// Rebuild tracks every persisted ERROR order not yet known, so pending
// retries survive a restart. The backoff is measured from the order's last
// update.
func (r *RetryCoordinator) Rebuild(ctx context.Context) (int, error) {
	orders, err := r.service.db.GetOrdersByStatus(types.StatusError)
	if err != nil {
		return 0, tradeerrors.Persistence("retry", "rebuild", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for i := range orders {
		if _, ok := r.tracking[orders[i].OrderID]; ok {
			continue
		}
		r.trackLocked(&orders[i], orders[i].UpdatedAt)
		added++
	}
	return added, nil
}

// Start runs the retry loop until ctx is cancelled
func (r *RetryCoordinator) Start(ctx context.Context) {
	logger := log.With().Str("component", "retry_coordinator").Logger()
	logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("max_retries", r.cfg.MaxRetries).
		Msg("starting retry coordinator")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down retry coordinator")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process retries")
			}
		}
	}
}

// RunOnce retries every order whose backoff has elapsed and returns how many
// attempts were made. Concurrent runs never attempt the same order twice.
func (r *RetryCoordinator) RunOnce(ctx context.Context) (int, error) {
	if _, err := r.Rebuild(ctx); err != nil {
		return 0, err
	}

	due := r.claimDue(r.service.now())
	for _, orderID := range due {
		r.retry(ctx, orderID)
		r.release(orderID)
	}
	return len(due), nil
}

func (r *RetryCoordinator) claimDue(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []string
	for id, st := range r.tracking {
		if r.inFlight[id] || st.NextAttempt.After(now) {
			continue
		}
		r.inFlight[id] = true
		due = append(due, id)
	}
	return due
}

func (r *RetryCoordinator) release(orderID string) {
	r.mu.Lock()
	delete(r.inFlight, orderID)
	r.mu.Unlock()
}

func (r *RetryCoordinator) retry(ctx context.Context, orderID string) {
	s := r.service
	unlock := s.locks.Lock(orderID)
	defer unlock()

	logger := log.With().Str("component", "retry_coordinator").Str("order_id", orderID).Logger()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load order for retry")
		return
	}
	if order == nil || order.Status != types.StatusError {
		// cancelled or otherwise resolved since it was tracked
		r.Forget(orderID)
		return
	}

	order.RetryCount++
	brokerErr, err := s.place(ctx, order, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record retry outcome")
		return
	}
	if brokerErr == nil {
		if order.Status == types.StatusSubmitted {
			metrics.RecordRetry("success")
		} else {
			metrics.RecordRetry("rejected")
		}
		return
	}

	if r.exhausted(order) {
		r.exhaust(ctx, order, logger)
		return
	}

	metrics.RecordRetry("failure")
	state := r.Track(order)
	s.publish(ctx, order.UserID, events.PriorityHigh, events.OrderSubmissionFailed{
		Order:       *order,
		Error:       brokerErr.Error(),
		NextAttempt: state.NextAttempt,
	})
	logger.Warn().
		Int("retry_count", order.RetryCount).
		Time("next_attempt", state.NextAttempt).
		Msg("retry failed, backing off")
}

// exhausted reports whether the failed attempts on order, the initial
// submission plus RetryCount retries, have reached MaxRetries.
func (r *RetryCoordinator) exhausted(order *types.Order) bool {
	return order.RetryCount+1 >= r.cfg.MaxRetries
}

// exhaust rejects the order permanently once its retries are used up
func (r *RetryCoordinator) exhaust(ctx context.Context, order *types.Order, logger zerolog.Logger) {
	s := r.service
	metrics.RecordRetry("exhausted")

	if err := order.TransitionTo(types.StatusRejected); err != nil {
		logger.Error().Err(err).Msg("failed to reject exhausted order")
		return
	}
	order.UpdatedAt = s.now()
	if err := s.db.UpdateOrder(order); err != nil {
		logger.Error().Err(err).Msg("failed to persist exhausted order")
		return
	}
	r.Forget(order.OrderID)
	metrics.RecordOrder(string(types.StatusRejected))
	s.publish(ctx, order.UserID, events.PriorityCritical, events.OrderFailed{
		Order:     *order,
		Attempts:  order.RetryCount + 1,
		LastError: order.LastError,
	})
	logger.Error().
		Int("retries", order.RetryCount).
		Str("last_error", order.LastError).
		Msg("retries exhausted, order rejected")
}
