package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(context.Context) CheckResult {
	time.Sleep(m.delay)
	return CheckResult{Status: m.status, Message: "mock", Latency: time.Millisecond}
}

func TestAggregator(t *testing.T) {
	ctx := context.Background()

	t.Run("全部健康", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{name: "database", status: StatusHealthy}, &mockChecker{name: "broker", status: StatusHealthy})
		assert.Equal(t, StatusHealthy, agg.Report(ctx).Status)
		assert.True(t, agg.Ready(ctx))
	})

	t.Run("部分降级仍就绪", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{name: "database", status: StatusHealthy}, &mockChecker{name: "redis", status: StatusDegraded})
		assert.Equal(t, StatusDegraded, agg.Report(ctx).Status)
		assert.True(t, agg.Ready(ctx))
	})

	t.Run("不健康不就绪", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{name: "redis", status: StatusDegraded}, &mockChecker{name: "broker", status: StatusUnhealthy})
		assert.Equal(t, StatusUnhealthy, agg.Report(ctx).Status)
		assert.False(t, agg.Ready(ctx))
	})

	t.Run("动态添加检查器", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{name: "initial", status: StatusHealthy})
		agg.AddChecker(&mockChecker{name: "added", status: StatusHealthy})
		assert.Len(t, agg.CheckAll(ctx), 2)
	})

	t.Run("超时记为不健康", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{name: "slow", status: StatusHealthy, delay: time.Second})
		agg.timeout = 20 * time.Millisecond
		res := agg.CheckAll(ctx)["slow"]
		assert.Equal(t, StatusUnhealthy, res.Status)
	})
}

type fakeBroker bool

func (f fakeBroker) Connected() bool { return bool(f) }

type fakeDepth struct {
	n   int64
	err error
}

func (f fakeDepth) Depth(context.Context) (int64, error) { return f.n, f.err }

type fakeBacklog int

func (f fakeBacklog) Pending() int { return int(f) }

func TestBrokerChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewBrokerChecker(fakeBroker(true)).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewBrokerChecker(fakeBroker(false)).Check(context.Background()).Status)
}

func TestQueueChecker(t *testing.T) {
	ctx := context.Background()

	res := NewQueueChecker(fakeDepth{n: 5}, fakeBacklog(3), 100, 100).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, int64(5), res.Details["command_depth"])
	assert.Equal(t, 3, res.Details["inbound_pending"])

	res = NewQueueChecker(fakeDepth{n: 500}, nil, 100, 0).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status, "指令积压超过阈值应降级")

	res = NewQueueChecker(nil, fakeBacklog(2000), 0, 1000).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)

	res = NewQueueChecker(fakeDepth{err: errors.New("db down")}, nil, 0, 0).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterHTTPRoutes(r, NewAggregator(&mockChecker{name: "broker", status: StatusUnhealthy}))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"broker"`)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
