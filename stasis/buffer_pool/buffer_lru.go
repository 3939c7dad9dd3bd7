package buffer_pool

// 替换链表按帧下标串联，只包含未钉住的页。头部最近使用，尾部为淘汰候选。

const nilFrame = -1

func (bp *BufferPool) lruPushFront(idx int) {
	f := &bp.frames[idx]
	if f.inLRU {
		bp.lruRemove(idx)
	}
	f.prev = nilFrame
	f.next = bp.lruHead
	if bp.lruHead != nilFrame {
		bp.frames[bp.lruHead].prev = idx
	}
	bp.lruHead = idx
	if bp.lruTail == nilFrame {
		bp.lruTail = idx
	}
	f.inLRU = true
}

func (bp *BufferPool) lruRemove(idx int) {
	f := &bp.frames[idx]
	if !f.inLRU {
		return
	}
	if f.prev != nilFrame {
		bp.frames[f.prev].next = f.next
	} else {
		bp.lruHead = f.next
	}
	if f.next != nilFrame {
		bp.frames[f.next].prev = f.prev
	} else {
		bp.lruTail = f.prev
	}
	f.prev, f.next = nilFrame, nilFrame
	f.inLRU = false
}

// lruVictim 从尾部找第一个没有写回在进行的帧
func (bp *BufferPool) lruVictim() int {
	for idx := bp.lruTail; idx != nilFrame; idx = bp.frames[idx].prev {
		if !bp.frames[idx].writing {
			return idx
		}
	}
	return nilFrame
}
