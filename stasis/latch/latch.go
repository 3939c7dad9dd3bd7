package latch

import "sync"

// Latch 页内容读写闩，只保护页字节，不跨越 I/O 持有
type Latch struct {
	mu sync.RWMutex
}

// NewLatch 创建一个新的闩
func NewLatch() *Latch {
	return &Latch{}
}

// Lock 获取写闩
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放写闩
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock 获取读闩
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放读闩
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}
