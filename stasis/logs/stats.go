package logs

import "go.uber.org/atomic"

// Stats 日志计数器
type Stats struct {
	Appends   atomic.Int64
	Bytes     atomic.Int64
	Forces    atomic.Int64
	Syncs     atomic.Int64
	Reads     atomic.Int64
	CacheHits atomic.Int64
}

// StatsSnapshot 某一时刻的计数
type StatsSnapshot struct {
	Appends   int64
	Bytes     int64
	Forces    int64
	Syncs     int64
	Reads     int64
	CacheHits int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Appends:   s.Appends.Load(),
		Bytes:     s.Bytes.Load(),
		Forces:    s.Forces.Load(),
		Syncs:     s.Syncs.Load(),
		Reads:     s.Reads.Load(),
		CacheHits: s.CacheHits.Load(),
	}
}
