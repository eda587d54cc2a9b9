package retry

import "time"

// Kind 错误类别：可重试的瞬时错误 / 不可重试的终止错误
type Kind int

const (
	Transient Kind = iota
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Policy 重试策略
// MaxRetries 不含首次发送；Base 为首次重试的退避，之后指数增长并截断到 Max
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// Decision 一次重试判定结果
type Decision struct {
	Retry bool
	Delay time.Duration
}

// DefaultPolicy 默认策略：3次重试，5s 起步，上限 1min
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Base: 5 * time.Second, Max: time.Minute}
}

// Decide 根据已重试次数与错误类别给出是否继续重试及退避时长。
// 纯函数，无副作用。
func (p Policy) Decide(attempt int, kind Kind) Decision {
	if kind == Terminal {
		return Decision{}
	}
	if attempt >= p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// Backoff 第 attempt 次（从0开始）重试的退避时长
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
