package model

import (
	"sync"
	"time"
)

var (
	clockMu sync.RWMutex
	clock   = time.Now
)

// Now 返回票据与过期策略使用的当前时间
func Now() time.Time {
	clockMu.RLock()
	defer clockMu.RUnlock()
	return clock()
}

// SetClock 替换时间源，返回恢复函数，供测试推进时间
func SetClock(fn func() time.Time) (restore func()) {
	clockMu.Lock()
	prev := clock
	clock = fn
	clockMu.Unlock()
	return func() {
		clockMu.Lock()
		clock = prev
		clockMu.Unlock()
	}
}

// FakeClock 可手动推进的时钟
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建从指定时间开始的时钟
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now 当前时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进时间
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
