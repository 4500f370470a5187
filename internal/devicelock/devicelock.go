package devicelock

import "sync"

// Locker 按网关 ID 加锁，保证同一网关的记录更新串行执行
// 不同网关互不阻塞；没有持有者的锁会被回收
type Locker struct {
	mu    sync.Mutex
	locks map[int64]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New 创建 Locker
func New() *Locker {
	return &Locker{locks: make(map[int64]*entry)}
}

// Lock 获取 id 对应的锁，返回解锁函数
func (l *Locker) Lock(id int64) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &entry{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}

// Len 当前被持有或等待中的锁数量
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
