package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_NilError(t *testing.T) {
	assert.Nil(t, Wrap(nil, CategoryExecution, "broker", "place_order"))
}

func TestIsRetryable_OnlyExecution(t *testing.T) {
	base := stderrors.New("connection reset")

	assert.True(t, IsRetryable(Execution("broker", "place_order", base)))
	assert.False(t, IsRetryable(Persistence("store", "save_order", base)))
	assert.False(t, IsRetryable(Configuration("risk", "save_parameters", base)))
	assert.False(t, IsRetryable(Validation("risk", "validate_order", "too large")))
	assert.False(t, IsRetryable(base))
}

func TestCategoryOf_WrappedChain(t *testing.T) {
	base := stderrors.New("disk full")
	err := fmt.Errorf("saving order: %w", Persistence("trading", "create_order", base))

	category, ok := CategoryOf(err)
	assert.True(t, ok)
	assert.Equal(t, CategoryPersistence, category)
	assert.True(t, Is(err, CategoryPersistence))
	assert.ErrorIs(t, err, base)
}

func TestTradingError_Message(t *testing.T) {
	err := Validation("risk", "validate_order", "position too large")
	assert.Equal(t, "[VALIDATION:risk] validate_order: position too large", err.Error())
}
