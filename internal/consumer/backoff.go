package consumer

import (
	"math/rand"
	"time"
)

// Backoff 指数退避：initial 起每次翻倍，上限 max，附加最多 20% 的随机抖动
type Backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
	jitter  func(n int64) int64
}

// NewBackoff 创建退避计算器
func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, jitter: rand.Int63n}
}

// Next 返回下一次等待时间
func (b *Backoff) Next() time.Duration {
	d := b.max
	if b.attempt < 32 {
		if next := b.initial << b.attempt; next > 0 && next < b.max {
			d = next
			b.attempt++
		}
	}
	if j := int64(d / 5); j > 0 && b.jitter != nil {
		d += time.Duration(b.jitter(j))
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset 连接成功后重置
func (b *Backoff) Reset() {
	b.attempt = 0
}
