package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTransitionForwardOnly(t *testing.T) {
	path := []State{StateReceived, StateEnriching, StateReasoning, StateAwaitingApproval, StateApproved, StateExecuting, StateCompleted}
	for i := 0; i+1 < len(path); i++ {
		require.NoError(t, EnsureTransition(path[i], path[i+1], false), "%s -> %s", path[i], path[i+1])
	}
	assert.Error(t, EnsureTransition(StateReasoning, StateEnriching, false))
	assert.Error(t, EnsureTransition(StateReceived, StateExecuting, false))
	assert.Error(t, EnsureTransition(StateCompleted, StateFailed, false))
	assert.NoError(t, EnsureTransition(StateExecuting, StateFailed, false))
	assert.NoError(t, EnsureTransition(StateAwaitingApproval, StateTimedOut, false))
}

func TestEnsureTransitionRedrive(t *testing.T) {
	assert.NoError(t, EnsureTransition(StateFailed, StateReceived, true))
	assert.NoError(t, EnsureTransition(StateTimedOut, StateReceived, true))
	assert.Error(t, EnsureTransition(StateCompleted, StateReceived, true))
	assert.Error(t, EnsureTransition(StateExecuting, StateReceived, true))
	err := EnsureTransition(StateFailed, StateEnriching, true)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", UnknownTool("rm_rf"))
	assert.True(t, errors.Is(err, ErrUnknownTool))
	assert.False(t, errors.Is(err, ErrSchemaViolation))
	e := AsError(err)
	assert.Equal(t, CodeUnknownTool, e.Code)
	assert.Equal(t, "rm_rf", e.Details["tool"])
	assert.False(t, e.Retryable)
}

func TestAsErrorClassifiesUnknown(t *testing.T) {
	e := AsError(errors.New("boom"))
	assert.Equal(t, CodeInternal, e.Code)
	assert.Nil(t, AsError(nil))
	assert.True(t, IsRetryable(ModelError(true, "timeout")))
}

func TestAlertResourceFallsBackToValidator(t *testing.T) {
	assert.Equal(t, "v-1", Alert{ValidatorID: " v-1 "}.Resource())
	assert.Equal(t, "r-2", Alert{ResourceID: "r-2", ValidatorID: "v-1"}.Resource())
	assert.Equal(t, "", Alert{}.Resource())
}
