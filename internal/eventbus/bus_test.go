package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndUnsubscribe(t *testing.T) {
	b := New(4)
	var got []Kind
	unsub, err := b.Subscribe(func(ev Event) { got = append(got, ev.Kind) }, KindTransferCompleted)
	require.NoError(t, err)

	b.Publish(Event{Kind: KindTransferCompleted})
	b.Publish(Event{Kind: KindTransferFailed})
	assert.Equal(t, []Kind{KindTransferCompleted}, got)

	unsub()
	unsub() // 重复注销无副作用
	b.Publish(Event{Kind: KindTransferCompleted})
	assert.Len(t, got, 1)
	assert.Equal(t, 0, b.Len())
}

func TestBus_Bounded(t *testing.T) {
	b := New(2)
	_, err := b.Subscribe(func(Event) {})
	require.NoError(t, err)
	unsub, err := b.Subscribe(func(Event) {})
	require.NoError(t, err)

	_, err = b.Subscribe(func(Event) {})
	assert.ErrorIs(t, err, ErrTooManySubscribers)

	unsub()
	_, err = b.Subscribe(func(Event) {})
	assert.NoError(t, err, "注销后应释放名额")
}

func TestBus_Close(t *testing.T) {
	b := New(0)
	calls := 0
	_, err := b.Subscribe(func(Event) { calls++ })
	require.NoError(t, err)

	b.Close()
	b.Publish(Event{Kind: KindWakeClassified})
	assert.Equal(t, 0, calls)

	_, err = b.Subscribe(func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}
