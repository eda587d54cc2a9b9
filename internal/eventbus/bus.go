package eventbus

import (
	"errors"
	"sync"
	"time"
)

// Kind 事件类型
type Kind string

const (
	KindTransferCompleted Kind = "transfer_completed"
	KindTransferFailed    Kind = "transfer_failed"
	KindWakeClassified    Kind = "wake_classified"
	KindCommandFinished   Kind = "command_finished"
)

// Event 总线事件
type Event struct {
	Kind      Kind
	DeviceID  string
	SessionID int64
	PayloadID int64
	Detail    string
	At        time.Time
}

// Handler 事件处理函数（同步调用，需自行保证快速返回）
type Handler func(Event)

var (
	ErrTooManySubscribers = errors.New("eventbus: subscriber limit reached")
	ErrClosed             = errors.New("eventbus: closed")
)

const defaultMaxSubscribers = 32

// Bus 有界、可注销的订阅集合
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	max    int
	closed bool
}

type subscription struct {
	kinds   map[Kind]struct{}
	handler Handler
}

// New 创建总线，max<=0 使用默认上限
func New(max int) *Bus {
	if max <= 0 {
		max = defaultMaxSubscribers
	}
	return &Bus{subs: make(map[uint64]subscription), max: max}
}

// Subscribe 订阅指定类型事件（kinds 为空表示全部），返回注销函数
func (b *Bus) Subscribe(h Handler, kinds ...Kind) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if len(b.subs) >= b.max {
		return nil, ErrTooManySubscribers
	}

	var set map[Kind]struct{}
	if len(kinds) > 0 {
		set = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			set[k] = struct{}{}
		}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{kinds: set, handler: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

// Publish 投递事件给所有匹配订阅者
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kinds != nil {
			if _, ok := s.kinds[ev.Kind]; !ok {
				continue
			}
		}
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len 当前订阅数
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 清空订阅并拒绝后续注册
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[uint64]subscription)
	b.mu.Unlock()
}
