package logs

import "github.com/zhukovaskychina/xstasis/stasis/common"

// Iterator 用法同 bufio.Scanner：
//
//	for it.Next() { e := it.Entry() }
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	l        *LogFile
	next     common.LSN
	backward bool
	cur      *Entry
	err      error
}

// Forward 从 start 开始按追加顺序遍历到当前写入前沿
func (l *LogFile) Forward(start common.LSN) *Iterator {
	if first := l.FirstLSN(); start < first {
		start = first
	}
	return &Iterator{l: l, next: start}
}

// Backward 从 start 沿 prevLSN 遍历同一事务的记录
func (l *LogFile) Backward(start common.LSN) *Iterator {
	return &Iterator{l: l, next: start, backward: true}
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.backward {
		if it.next <= 0 || it.next < it.l.FirstLSN() {
			return false
		}
	} else if it.next >= it.l.NextLSN() {
		return false
	}

	e, err := it.l.Read(it.next)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = e
	if it.backward {
		it.next = e.PrevLSN
	} else {
		it.next = e.NextLSN()
	}
	return true
}

// Jump 反向遍历改从 lsn 继续，CLR 用它跳到 undoNext
func (it *Iterator) Jump(lsn common.LSN) {
	it.next = lsn
}

func (it *Iterator) Entry() *Entry {
	return it.cur
}

func (it *Iterator) Err() error {
	return it.err
}
