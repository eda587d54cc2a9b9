package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/wake-gateway/internal/eventbus"
	"github.com/taoyao-code/wake-gateway/internal/metrics"
	"github.com/taoyao-code/wake-gateway/internal/retry"
)

func TestSignHMAC(t *testing.T) {
	canonical := Canonical("post", "/hook", 1700000000, "nonce", []byte(`{}`))
	sig := SignHMAC("secret", canonical)
	assert.Len(t, sig, 64, "hex 编码的 sha256")
	assert.True(t, Verify("secret", canonical, sig))
	assert.False(t, Verify("other", canonical, sig))
	assert.Contains(t, canonical, "POST\n/hook\n1700000000\nnonce\n")
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestPusher_SignedRequest(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		canonical := Canonical(r.Method, r.URL.Path, ts, r.Header.Get("X-Nonce"), body)
		if r.Header.Get("X-Api-Key") != "key" || !Verify("secret", canonical, r.Header.Get("X-Signature")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPusher(nil, "key", "secret", retry.Policy{})
	err := p.SendJSON(context.Background(), srv.URL+"/hook", Event{Event: "wake_classified", DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.DeviceID)
}

func TestPusher_RetryPolicy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "/reject":
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("bad event"))
		default:
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := NewPusher(nil, "key", "secret", retry.Policy{MaxRetries: 3, Base: time.Millisecond})
	p.sleep = noSleep

	t.Run("5xx 重试直到成功", func(t *testing.T) {
		calls.Store(0)
		require.NoError(t, p.SendJSON(context.Background(), srv.URL+"/flaky", Event{}))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("4xx 不重试", func(t *testing.T) {
		calls.Store(0)
		err := p.SendJSON(context.Background(), srv.URL+"/reject", Event{})
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusBadRequest, se.Code)
		assert.Equal(t, "bad event", se.Body)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("重试耗尽返回最后错误", func(t *testing.T) {
		calls.Store(0)
		err := p.SendJSON(context.Background(), srv.URL+"/down", Event{})
		require.Error(t, err)
		assert.Equal(t, int32(4), calls.Load(), "首次 + 3 次重试")
	})
}

type fakeSender struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (f *fakeSender) SendJSON(_ context.Context, _ string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload.(Event))
	if f.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (f *fakeSender) sent() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestNotifier_DeliversAndDrainsOnStop(t *testing.T) {
	appm := metrics.NewAppMetrics(prometheus.NewRegistry())
	sender := &fakeSender{}
	n := NewNotifier(sender, "http://example/hook", 8, time.Second, appm, nil)

	bus := eventbus.New(0)
	_, err := n.Subscribe(bus, eventbus.KindWakeClassified)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Kind: eventbus.KindWakeClassified, DeviceID: "dev-1", SessionID: 7, Detail: "completed", At: at})
	bus.Publish(eventbus.Event{Kind: eventbus.KindTransferFailed, DeviceID: "dev-2", At: at})
	assert.Equal(t, 1, n.Pending(), "只订阅了会话分类事件")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Start(ctx)
	n.Wait()

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, Event{Event: "wake_classified", DeviceID: "dev-1", SessionID: 7, Detail: "completed", Timestamp: at.Unix()}, sent[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(appm.WebhookPushes.WithLabelValues("ok")))
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	appm := metrics.NewAppMetrics(prometheus.NewRegistry())
	sender := &fakeSender{fail: true}
	n := NewNotifier(sender, "http://example/hook", 1, time.Second, appm, nil)

	n.Enqueue(eventbus.Event{Kind: eventbus.KindCommandFinished, DeviceID: "dev-1"})
	n.Enqueue(eventbus.Event{Kind: eventbus.KindCommandFinished, DeviceID: "dev-2"})
	assert.Equal(t, 1.0, testutil.ToFloat64(appm.WebhookPushes.WithLabelValues("dropped")))

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	n.Wait()

	assert.Equal(t, "dev-1", sender.sent()[0].DeviceID)
	assert.Equal(t, 1.0, testutil.ToFloat64(appm.WebhookPushes.WithLabelValues("error")))
}
