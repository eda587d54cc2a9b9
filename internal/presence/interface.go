package presence

import "time"

// DefaultTimeout 设备唤醒窗口很短，超过该时长未见视为离线
const DefaultTimeout = 2 * time.Minute

// Tracker 设备在线跟踪，支持内存和Redis两种实现
type Tracker interface {
	// OnSeen 记录设备最近一次消息时间（状态、数据、回执均算）
	OnSeen(deviceID string, t time.Time)

	// Forget 删除设备的在线记录
	Forget(deviceID string)

	// IsOnline 判断设备是否在线
	IsOnline(deviceID string, now time.Time) bool

	// OnlineDevices 返回当前在线设备
	OnlineDevices(now time.Time) []string

	// OnlineCount 返回当前在线设备数量
	OnlineCount(now time.Time) int
}
