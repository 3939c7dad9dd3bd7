package logs

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/util"
)

// EntryType 日志记录类型
type EntryType uint8

const (
	XBegin EntryType = iota + 1
	UpdateLog
	CLRLog
	XCommit
	XAbort
	XEnd
	InternalLog
)

func (t EntryType) String() string {
	switch t {
	case XBegin:
		return "XBEGIN"
	case UpdateLog:
		return "UPDATELOG"
	case CLRLog:
		return "CLRLOG"
	case XCommit:
		return "XCOMMIT"
	case XAbort:
		return "XABORT"
	case XEnd:
		return "XEND"
	case InternalLog:
		return "INTERNALLOG"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Entry 一条日志记录。LSN 不序列化，由记录在日志中的位置决定。
//
// 追加或读出之后的 Entry 会被缓存共享，不能再修改。
type Entry struct {
	LSN     common.LSN
	Type    EntryType
	XID     common.XID
	PrevLSN common.LSN

	// UPDATELOG；CLRLOG 复制被撤销记录的这些字段，重做时不必回读原记录
	Op       int32
	RID      common.RecordID
	Args     []byte
	PreImage []byte

	// CLRLOG
	Undone   common.LSN
	UndoNext common.LSN

	size int // 含长度前缀的字节数
}

// Size 记录在日志文件中占用的字节数
func (e *Entry) Size() int {
	return e.size
}

// NextLSN 紧随其后的记录
func (e *Entry) NextLSN() common.LSN {
	return e.LSN + common.LSN(e.size)
}

func (e *Entry) String() string {
	switch e.Type {
	case UpdateLog:
		return fmt.Sprintf("%s{lsn=%d xid=%d prev=%d op=%d rid=%s args=%d pre=%d}",
			e.Type, e.LSN, e.XID, e.PrevLSN, e.Op, e.RID, len(e.Args), len(e.PreImage))
	case CLRLog:
		return fmt.Sprintf("%s{lsn=%d xid=%d prev=%d undone=%d next=%d rid=%s}",
			e.Type, e.LSN, e.XID, e.PrevLSN, e.Undone, e.UndoNext, e.RID)
	}
	return fmt.Sprintf("%s{lsn=%d xid=%d prev=%d}", e.Type, e.LSN, e.XID, e.PrevLSN)
}

// 记录头：type(1) xid(4) prevLSN(8)
const (
	headerSize   = 1 + 4 + 8
	checksumSize = 4
	lengthSize   = 4

	// maxPayload 单条记录上限，超出说明长度前缀已损坏
	maxPayload = 64 << 20
)

func appendRID(buf []byte, rid common.RecordID) []byte {
	buf = util.WriteUB8(buf, uint64(rid.Page))
	buf = util.WriteUB4(buf, uint32(rid.Slot))
	return util.WriteUB8(buf, uint64(rid.Size))
}

func readRID(buf []byte, c int) (int, common.RecordID) {
	c, page := util.ReadUB8(buf, c)
	c, slot := util.ReadUB4(buf, c)
	c, size := util.ReadUB8(buf, c)
	return c, common.RecordID{Page: common.PageID(page), Slot: common.SlotID(int32(slot)), Size: int64(size)}
}

// encode 序列化为 payload（不含长度前缀），末尾追加校验和
func (e *Entry) encode(c Compression) []byte {
	buf := make([]byte, 0, headerSize+64+len(e.Args)+len(e.PreImage))
	buf = util.WriteByte(buf, byte(e.Type))
	buf = util.WriteUB4(buf, uint32(e.XID))
	buf = util.WriteUB8(buf, uint64(e.PrevLSN))

	switch e.Type {
	case CLRLog:
		buf = util.WriteUB8(buf, uint64(e.Undone))
		buf = util.WriteUB8(buf, uint64(e.UndoNext))
		fallthrough
	case UpdateLog:
		buf = util.WriteUB4(buf, uint32(e.Op))
		buf = appendRID(buf, e.RID)
		buf = util.WriteWithLength(buf, e.Args)
		buf = appendPreImage(buf, c, e.PreImage)
	}
	return util.WriteUB4(buf, util.Checksum(buf))
}

// decode 解析 payload，lsn 为记录所在位置
func decode(lsn common.LSN, payload []byte) (*Entry, error) {
	if len(payload) < headerSize+checksumSize {
		return nil, errors.Annotatef(ErrCorrupt, "lsn %d: short payload", lsn)
	}
	body := payload[:len(payload)-checksumSize]
	_, sum := util.ReadUB4(payload, len(body))
	if util.Checksum(body) != sum {
		return nil, errors.Annotatef(ErrCorrupt, "lsn %d: checksum", lsn)
	}

	e := &Entry{LSN: lsn, size: lengthSize + len(payload)}
	c, t := util.ReadByte(body, 0)
	c, xid := util.ReadUB4(body, c)
	c, prev := util.ReadUB8(body, c)
	e.Type = EntryType(t)
	e.XID = common.XID(int32(xid))
	e.PrevLSN = common.LSN(prev)

	var err error
	switch e.Type {
	case CLRLog:
		var undone, next uint64
		c, undone = util.ReadUB8(body, c)
		c, next = util.ReadUB8(body, c)
		e.Undone, e.UndoNext = common.LSN(undone), common.LSN(next)
		fallthrough
	case UpdateLog:
		var op uint32
		var args []byte
		c, op = util.ReadUB4(body, c)
		c, e.RID = readRID(body, c)
		c, args = util.ReadWithLength(body, c)
		e.Op = int32(op)
		e.Args = append([]byte(nil), args...)
		if c, e.PreImage, err = readPreImage(body, c); err != nil {
			return nil, errors.Annotatef(err, "lsn %d", lsn)
		}
	case XBegin, XCommit, XAbort, XEnd, InternalLog:
	default:
		return nil, errors.Annotatef(ErrCorrupt, "lsn %d: entry type %d", lsn, t)
	}
	if c != len(body) {
		return nil, errors.Annotatef(ErrCorrupt, "lsn %d: %d trailing bytes", lsn, len(body)-c)
	}
	return e, nil
}
