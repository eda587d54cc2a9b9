package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/wake-gateway/internal/config"
	"github.com/taoyao-code/wake-gateway/internal/eventbus"
	"github.com/taoyao-code/wake-gateway/internal/presence"
)

func cfgMQTT() cfgpkg.MQTTConfig {
	return cfgpkg.MQTTConfig{Broker: "tcp://broker:1883", QoS: 1, KeepAlive: 30 * time.Second}
}

func TestGenerateServerID(t *testing.T) {
	t.Setenv("SERVER_ID", "")
	id := GenerateServerID()
	assert.Contains(t, id, "wake-gateway-")

	t.Setenv("SERVER_ID", "fixed")
	assert.Equal(t, "fixed", GenerateServerID())
}

func TestNewPresence_MemoryFallback(t *testing.T) {
	p := NewPresence(cfgpkg.PresenceConfig{}, nil, zap.NewNop())
	_, ok := p.(*presence.Manager)
	assert.True(t, ok, "未启用 redis 时使用内存实现")

	now := time.Now()
	p.OnSeen("dev-1", now.Add(-presence.DefaultTimeout-time.Second))
	assert.False(t, p.IsOnline("dev-1", now), "超时使用默认值")
}

func TestNewWebhookNotifier(t *testing.T) {
	bus := eventbus.New(0)

	n, err := NewWebhookNotifier(cfgpkg.WebhookConfig{}, bus, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, n, "未配置 URL 不推送")
	assert.Equal(t, 0, bus.Len())

	n, err = NewWebhookNotifier(cfgpkg.WebhookConfig{
		URL:    "http://hooks.local/wake",
		Secret: "s3cret",
		Events: []string{string(eventbus.KindTransferFailed)},
	}, bus, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, 1, bus.Len())

	bus.Publish(eventbus.Event{Kind: eventbus.KindWakeClassified, DeviceID: "dev-1"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindTransferFailed, DeviceID: "dev-1"})
	assert.Equal(t, 1, n.Pending(), "只推送配置的事件类型")
}
