package buffer_pool

import "go.uber.org/atomic"

// BufferPoolStats 缓冲池统计信息
type BufferPoolStats struct {
	PageHits      atomic.Int64
	PageMisses    atomic.Int64
	PageReads     atomic.Int64
	PageWrites    atomic.Int64
	PageEvictions atomic.Int64
	// WriteBackBusy 写回时遇到页忙的次数
	WriteBackBusy atomic.Int64
}

// StatsSnapshot 某一时刻的统计
type StatsSnapshot struct {
	PageHits      int64
	PageMisses    int64
	PageReads     int64
	PageWrites    int64
	PageEvictions int64
	WriteBackBusy int64
	CachedPages   int
	PinnedPages   int
	DirtyPages    int
}

// RecordPageRequest 记录页面请求
func (s *BufferPoolStats) RecordPageRequest(hit bool) {
	if hit {
		s.PageHits.Inc()
	} else {
		s.PageMisses.Inc()
	}
}

// GetHitRatio 缓存命中率
func (s StatsSnapshot) GetHitRatio() float64 {
	total := s.PageHits + s.PageMisses
	if total == 0 {
		return 0
	}
	return float64(s.PageHits) / float64(total)
}
