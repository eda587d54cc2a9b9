package presence

import (
	"sort"
	"sync"
	"time"
)

// Manager 内存实现：记录设备最近消息时间
type Manager struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	timeout  time.Duration
}

// New 创建内存在线跟踪
func New(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{lastSeen: make(map[string]time.Time), timeout: timeout}
}

// OnSeen 更新最近消息时间，乱序到达的旧时间不会回退
func (m *Manager) OnSeen(deviceID string, t time.Time) {
	m.mu.Lock()
	if prev, ok := m.lastSeen[deviceID]; !ok || t.After(prev) {
		m.lastSeen[deviceID] = t
	}
	m.mu.Unlock()
}

// Forget 删除记录
func (m *Manager) Forget(deviceID string) {
	m.mu.Lock()
	delete(m.lastSeen, deviceID)
	m.mu.Unlock()
}

// IsOnline 判断设备是否在线
func (m *Manager) IsOnline(deviceID string, now time.Time) bool {
	m.mu.RLock()
	ts, ok := m.lastSeen[deviceID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return now.Sub(ts) <= m.timeout
}

// OnlineDevices 返回在线设备（有序）
func (m *Manager) OnlineDevices(now time.Time) []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.lastSeen))
	for id, ts := range m.lastSeen {
		if now.Sub(ts) <= m.timeout {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// OnlineCount 返回在线设备数量
func (m *Manager) OnlineCount(now time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, ts := range m.lastSeen {
		if now.Sub(ts) <= m.timeout {
			count++
		}
	}
	return count
}

// Prune 清理早已离线的记录，避免长期运行时无限增长
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ts := range m.lastSeen {
		if now.Sub(ts) > 2*m.timeout {
			delete(m.lastSeen, id)
			n++
		}
	}
	return n
}
