package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-guard/internal/database"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/types"
)

type fakePositions struct {
	open   []types.Position
	fail   map[string]bool
	closed []string
}

func (f *fakePositions) GetUserPositions(_ context.Context, userID string) ([]types.Position, error) {
	return f.open, nil
}

func (f *fakePositions) ClosePosition(_ context.Context, userID, symbol string, _ *float64) (*types.Order, error) {
	if f.fail[symbol] {
		return nil, errors.New("venue unavailable")
	}
	f.closed = append(f.closed, symbol)
	return &types.Order{UserID: userID, Symbol: symbol}, nil
}

func newTestManager(t *testing.T, positions PositionCloser) *Manager {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	return NewManager(db, positions)
}

func register(t *testing.T, m *Manager) *types.Strategy {
	t.Helper()
	s, err := m.RegisterStrategy(context.Background(), &types.Strategy{
		UserID:  "u1",
		Name:    "momentum",
		Symbols: "tcs, infy",
	})
	require.NoError(t, err)
	return s
}

func TestRegisterStrategy(t *testing.T) {
	m := newTestManager(t, nil)
	s := register(t, m)

	assert.Contains(t, s.StrategyID, "STR_")
	assert.Equal(t, types.StrategyActive, s.Status)
	assert.Equal(t, "TCS,INFY", s.Symbols)
	assert.True(t, s.Trades("infy"))

	list, err := m.GetUserStrategies(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.StrategyID, list[0].StrategyID)
}

func TestRegisterStrategy_InvalidConfig(t *testing.T) {
	m := newTestManager(t, nil)

	tests := []struct {
		name     string
		strategy *types.Strategy
	}{
		{"nil", nil},
		{"missing user", &types.Strategy{Name: "x", Symbols: "TCS"}},
		{"missing name", &types.Strategy{UserID: "u1", Symbols: "TCS"}},
		{"no symbols", &types.Strategy{UserID: "u1", Name: "x", Symbols: " , "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.RegisterStrategy(context.Background(), tt.strategy)
			require.Error(t, err)
			assert.True(t, tradeerrors.Is(err, tradeerrors.CategoryConfiguration))
		})
	}
}

func TestPauseResume(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s := register(t, m)

	trading, err := m.IsTrading(ctx, s.StrategyID)
	require.NoError(t, err)
	assert.True(t, trading)

	require.NoError(t, m.PauseStrategy(ctx, s.StrategyID, "risk review"))
	status, err := m.GetStrategyStatus(ctx, s.StrategyID)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyPaused, status.Status)
	assert.Equal(t, "risk review", status.StatusReason)

	trading, err = m.IsTrading(ctx, s.StrategyID)
	require.NoError(t, err)
	assert.False(t, trading)

	// pausing twice is a no-op
	require.NoError(t, m.PauseStrategy(ctx, s.StrategyID, "again"))

	require.NoError(t, m.ResumeStrategy(ctx, s.StrategyID))
	trading, err = m.IsTrading(ctx, s.StrategyID)
	require.NoError(t, err)
	assert.True(t, trading)
}

func TestStopStrategy_IsFinal(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	s := register(t, m)

	closed, err := m.StopStrategy(ctx, s.StrategyID, false)
	require.NoError(t, err)
	assert.Zero(t, closed)

	err = m.ResumeStrategy(ctx, s.StrategyID)
	assert.True(t, tradeerrors.Is(err, tradeerrors.CategoryValidation))

	trading, err := m.IsTrading(ctx, s.StrategyID)
	require.NoError(t, err)
	assert.False(t, trading)
}

func TestStopStrategy_ClosesOwnPositions(t *testing.T) {
	positions := &fakePositions{fail: map[string]bool{"INFY": true}}
	m := newTestManager(t, positions)
	ctx := context.Background()
	s := register(t, m)

	other := "STR_other"
	positions.open = []types.Position{
		{UserID: "u1", Symbol: "TCS", Quantity: 10, StrategyID: types.String(s.StrategyID)},
		{UserID: "u1", Symbol: "INFY", Quantity: 5, StrategyID: types.String(s.StrategyID)},
		{UserID: "u1", Symbol: "WIPRO", Quantity: 7, StrategyID: &other},
		{UserID: "u1", Symbol: "HDFCBANK", Quantity: 3},
	}

	closed, err := m.StopStrategy(ctx, s.StrategyID, true)
	assert.Equal(t, 1, closed)
	require.Error(t, err)
	assert.True(t, tradeerrors.Is(err, tradeerrors.CategoryPartialFailure))
	assert.Equal(t, []string{"TCS"}, positions.closed)
}

func TestUnknownStrategy(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	trading, err := m.IsTrading(ctx, "STR_missing")
	require.NoError(t, err)
	assert.False(t, trading)

	assert.ErrorIs(t, m.PauseStrategy(ctx, "STR_missing", "x"), ErrStrategyNotFound)
	_, err = m.GetStrategyStatus(ctx, "STR_missing")
	assert.ErrorIs(t, err, ErrStrategyNotFound)
}
