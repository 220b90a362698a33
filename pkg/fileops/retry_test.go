package fileops

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsFirstTry(t *testing.T) {
	p := Policy{Wait: time.Millisecond, MaxTime: 50 * time.Millisecond}
	calls := 0
	err := p.Retry("write", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	p := Policy{Wait: time.Millisecond, MaxTime: time.Second}
	calls := 0
	err := p.Retry("rename", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("still locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryBudgetExhausted(t *testing.T) {
	p := Policy{Wait: time.Millisecond, MaxTime: 10 * time.Millisecond}
	calls := 0
	err := p.Retry("remove", func() error {
		calls++
		return fmt.Errorf("permission denied")
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, calls, 2)
	assert.Contains(t, err.Error(), "retry budget exhausted")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestRetryZeroBudgetTriesOnce(t *testing.T) {
	p := Policy{}
	calls := 0
	err := p.Retry("write", func() error {
		calls++
		return fmt.Errorf("no luck")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
