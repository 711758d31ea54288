package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransientWrapsDriverErrors(t *testing.T) {
	err := Transient("insert payment", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "insert payment: connection reset", err.Error())

	var te *TransientError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "insert payment", te.Op)
}

func TestTransientKeepsSentinels(t *testing.T) {
	wrapped := fmt.Errorf("lock ticket: %w", ErrTicketNotFound)
	err := Transient("lock ticket", wrapped)
	assert.Same(t, wrapped, err)
	assert.False(t, errors.Is(err, ErrTransient))
	assert.NoError(t, Transient("noop", nil))
}

func TestKind(t *testing.T) {
	cases := map[string]error{
		"validation_error":      Validation("amount must be positive"),
		"not_found":             fmt.Errorf("get: %w", ErrTicketNotFound),
		"conflict":              ErrAlreadySettled,
		"unauthorized":          ErrInvalidSignature,
		"transient_store_error": Transient("commit", errors.New("boom")),
		"upstream_error":        fmt.Errorf("create session: %w", ErrUpstream),
		"internal_error":        errors.New("other"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Kind(err), err.Error())
	}
	assert.Equal(t, "", Kind(nil))
}
