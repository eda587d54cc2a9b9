package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Decide(t *testing.T) {
	p := Policy{MaxRetries: 3, Base: time.Second, Max: 5 * time.Second}

	t.Run("瞬时错误在预算内重试", func(t *testing.T) {
		for attempt := 0; attempt < 3; attempt++ {
			d := p.Decide(attempt, Transient)
			assert.True(t, d.Retry, "attempt=%d", attempt)
		}
		assert.False(t, p.Decide(3, Transient).Retry)
	})

	t.Run("终止错误不重试", func(t *testing.T) {
		assert.False(t, p.Decide(0, Terminal).Retry)
	})

	t.Run("指数退避并截断", func(t *testing.T) {
		assert.Equal(t, time.Second, p.Backoff(0))
		assert.Equal(t, 2*time.Second, p.Backoff(1))
		assert.Equal(t, 4*time.Second, p.Backoff(2))
		assert.Equal(t, 5*time.Second, p.Backoff(3))
		assert.Equal(t, 5*time.Second, p.Backoff(10))
	})
}
