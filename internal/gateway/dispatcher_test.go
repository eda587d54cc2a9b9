package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_PerDeviceOrdering(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}
	process := func(_ context.Context, deviceID string, msg Message) {
		var n int
		_, _ = fmt.Sscanf(string(msg.Payload), "%d", &n)
		mu.Lock()
		seen[deviceID] = append(seen[deviceID], n)
		mu.Unlock()
	}
	d := NewDispatcher(DispatcherConfig{Workers: 4, QueueSize: 1000}, process, nil, nil)
	d.Start(context.Background())

	for i := 0; i < 200; i++ {
		for _, dev := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, d.Dispatch(dev, Message{Payload: []byte(fmt.Sprint(i))}))
		}
	}
	d.Close()

	for _, dev := range []string{"a", "b", "c", "d", "e"} {
		got := seen[dev]
		require.Len(t, got, 200)
		for i, v := range got {
			assert.Equal(t, i, v, "设备 %s 的消息乱序", dev)
		}
	}
}

func TestDispatcher_SlowDeviceDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	var fast atomic.Int32
	process := func(_ context.Context, deviceID string, _ Message) {
		if deviceID == "slow" {
			<-release
			return
		}
		fast.Add(1)
	}
	d := NewDispatcher(DispatcherConfig{Workers: 8, QueueSize: 16}, process, nil, nil)
	d.Start(context.Background())

	slowShard := d.shard("slow")
	var others []string
	for i := 0; len(others) < 3; i++ {
		id := fmt.Sprintf("dev-%d", i)
		if d.shard(id) != slowShard {
			others = append(others, id)
		}
	}
	require.NoError(t, d.Dispatch("slow", Message{}))
	for _, id := range others {
		require.NoError(t, d.Dispatch(id, Message{}))
	}

	assert.Eventually(t, func() bool { return fast.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	d.Close()
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	process := func(context.Context, string, Message) { <-release }
	var dropped atomic.Int32
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1, OfferTimeout: 5 * time.Millisecond},
		process, nil, func(string) { dropped.Add(1) })
	d.Start(context.Background())

	// 第一条被 worker 取走阻塞，第二条占满队列，后续被丢弃
	require.NoError(t, d.Dispatch("x", Message{}))
	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Dispatch("x", Message{}))
	require.NoError(t, d.Dispatch("x", Message{}))
	require.NoError(t, d.Dispatch("x", Message{}))
	assert.Equal(t, int32(2), dropped.Load())

	close(release)
	d.Close()
	assert.ErrorIs(t, d.Dispatch("x", Message{}), ErrDispatcherClosed)
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	var calls atomic.Int32
	process := func(_ context.Context, _ string, msg Message) {
		calls.Add(1)
		if string(msg.Payload) == "boom" {
			panic("boom")
		}
	}
	d := NewDispatcher(DispatcherConfig{Workers: 1}, process, nil, nil)
	d.Start(context.Background())
	require.NoError(t, d.Dispatch("x", Message{Payload: []byte("boom")}))
	require.NoError(t, d.Dispatch("x", Message{Payload: []byte("ok")}))
	d.Close()
	assert.Equal(t, int32(2), calls.Load())
}
