package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"plain", errors.New("boom"), KindInternal},
		{"no availability", ErrNoAvailability, KindNoAvailability},
		{"marked lock timeout", Mark(errors.New("wait exceeded"), ErrLockTimeout), KindLockTimeout},
		{"wrapped conflict", fmt.Errorf("insert: %w", Mark(errors.New("unique"), ErrConcurrencyConflict)), KindConcurrencyConflict},
		{"configuration", Markf(ErrConfiguration, "party size %d", 40), KindConfiguration},
		{"store", Wrap(Mark(errors.New("dial"), ErrStoreUnavailable), "acquire"), KindStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Mark(errors.New("x"), ErrLockTimeout)))
	assert.True(t, Retryable(fmt.Errorf("tx: %w", Mark(errors.New("x"), ErrConcurrencyConflict))))
	assert.False(t, Retryable(ErrConfiguration))
	assert.False(t, Retryable(ErrStoreUnavailable))
	assert.False(t, Retryable(nil))
}
