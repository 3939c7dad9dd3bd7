package manager

import (
	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/page"
	"github.com/zhukovaskychina/xstasis/util"
)

func builtinOperations() []Operation {
	return []Operation{
		{ID: OpNoop, Name: "noop", Undo: Logical(OpNoop), Run: runNoop},
		{ID: OpSet, Name: "set", Undo: PhysicalRecord, Run: runSet, Validate: validateSet},
		{ID: OpSetRange, Name: "set-range", Undo: PhysicalRecord, Run: runSetRange, Validate: validateSetRange},
		{ID: OpIncrement, Name: "increment", Undo: Logical(OpDecrement), Run: runIncrement, Validate: validateCounter},
		{ID: OpDecrement, Name: "decrement", Undo: Logical(OpIncrement), Run: runDecrement, Validate: validateCounter},
		{ID: OpAlloc, Name: "alloc", Undo: Logical(OpDealloc), Run: runAlloc, Validate: validateAlloc},
		{ID: OpDealloc, Name: "dealloc", Undo: Logical(OpRealloc), Run: runDealloc, Validate: validateExists},
		{ID: OpRealloc, Name: "realloc", Undo: Logical(OpDealloc), Run: runRealloc},
		{ID: OpInitSlotted, Name: "init-slotted", Undo: PhysicalWholePage, Run: runInitSlotted, FreshPage: true},
		{ID: OpInitFixed, Name: "init-fixed", Undo: PhysicalWholePage, Run: runInitFixed, Validate: validateInitFixed, FreshPage: true},
		{ID: OpInitIndirect, Name: "init-indirect", Undo: PhysicalWholePage, Run: runInitIndirect, FreshPage: true},
		{ID: OpInitBoundaryTag, Name: "init-boundary-tag", Undo: PhysicalWholePage, Run: runInitBoundaryTag, FreshPage: true},
		{ID: OpInitLSMRoot, Name: "init-lsm-root", Undo: PhysicalWholePage, Run: runInitLSMRoot, FreshPage: true},
		{ID: OpRegionAllocMarker, Name: "region-alloc", Undo: Logical(OpRegionFreeMarker), Run: runNoop},
		{ID: OpRegionFreeMarker, Name: "region-free", Undo: Logical(OpNoop), Run: runRegionFree},
		{ID: OpPrepare, Name: "prepare", Undo: Logical(OpNoop), Run: runNoop},
	}
}

func runNoop(*OpContext) error { return nil }

func record(ctx *OpContext) ([]byte, error) {
	if ctx.Page == nil {
		return nil, ErrRecordNotFound
	}
	return page.WriteRecord(ctx.Page, ctx.RID)
}

func validateExists(ctx *OpContext) error {
	if page.RecordTypeOf(ctx.Page, ctx.RID) == page.InvalidRecord {
		return juju.Annotatef(ErrRecordNotFound, "rid %s", ctx.RID)
	}
	return nil
}

func validateSet(ctx *OpContext) error {
	if err := validateExists(ctx); err != nil {
		return err
	}
	if n := page.RecordLength(ctx.Page, ctx.RID); n != int64(len(ctx.Args)) {
		return juju.Annotatef(ErrSizeMismatch, "rid %s has %d bytes, got %d", ctx.RID, n, len(ctx.Args))
	}
	return nil
}

func runSet(ctx *OpContext) error {
	rec, err := record(ctx)
	if err != nil {
		return err
	}
	copy(rec, ctx.Args)
	return nil
}

// EncodeSetRange 参数：{offset u32, data}
func EncodeSetRange(offset int, data []byte) []byte {
	buf := util.WriteUB4(make([]byte, 0, 4+len(data)), uint32(offset))
	return append(buf, data...)
}

func decodeSetRange(args []byte) (int, []byte) {
	if len(args) < 4 {
		return -1, nil
	}
	_, off := util.ReadUB4(args, 0)
	return int(off), args[4:]
}

func validateSetRange(ctx *OpContext) error {
	if err := validateExists(ctx); err != nil {
		return err
	}
	off, data := decodeSetRange(ctx.Args)
	if off < 0 || int64(off+len(data)) > page.RecordLength(ctx.Page, ctx.RID) {
		return juju.Annotatef(ErrSizeMismatch, "range %d+%d outside rid %s", off, len(data), ctx.RID)
	}
	return nil
}

func runSetRange(ctx *OpContext) error {
	rec, err := record(ctx)
	if err != nil {
		return err
	}
	off, data := decodeSetRange(ctx.Args)
	copy(rec[off:], data)
	return nil
}

// EncodeDelta 计数器操作的参数
func EncodeDelta(delta int32) []byte {
	b := make([]byte, 4)
	util.PutInt32(b, 0, delta)
	return b
}

func validateCounter(ctx *OpContext) error {
	if err := validateExists(ctx); err != nil {
		return err
	}
	if page.RecordLength(ctx.Page, ctx.RID) < 4 || len(ctx.Args) != 4 {
		return juju.Annotatef(ErrSizeMismatch, "counter at rid %s", ctx.RID)
	}
	return nil
}

func addToCounter(ctx *OpContext, sign int32) error {
	rec, err := record(ctx)
	if err != nil {
		return err
	}
	util.PutInt32(rec, 0, util.GetInt32(rec, 0)+sign*util.GetInt32(ctx.Args, 0))
	return nil
}

func runIncrement(ctx *OpContext) error { return addToCounter(ctx, 1) }
func runDecrement(ctx *OpContext) error { return addToCounter(ctx, -1) }

func validateAlloc(ctx *OpContext) error {
	if page.RecordTypeOf(ctx.Page, ctx.RID) != page.InvalidRecord {
		return juju.Annotatef(ErrPageFull, "slot of rid %s in use", ctx.RID)
	}
	return nil
}

func runAlloc(ctx *OpContext) error {
	return ctx.Page.Impl().PostAlloc(ctx.Page, ctx.RID)
}

func runDealloc(ctx *OpContext) error {
	return ctx.Page.Impl().Free(ctx.Page, ctx.RID)
}

// runRealloc 撤销释放：参数是释放前的记录内容
func runRealloc(ctx *OpContext) error {
	if err := ctx.Page.Impl().PostAlloc(ctx.Page, ctx.RID); err != nil {
		return err
	}
	rec, err := record(ctx)
	if err != nil {
		return err
	}
	copy(rec, ctx.Args)
	return nil
}

func runInitSlotted(ctx *OpContext) error {
	page.InitSlotted(ctx.Page)
	return nil
}

// EncodeInitFixed 参数：{recordSize u32, count u32}，count 条记录在格式化时直接分配
func EncodeInitFixed(recordSize, count int) []byte {
	buf := util.WriteUB4(make([]byte, 0, 8), uint32(recordSize))
	return util.WriteUB4(buf, uint32(count))
}

func decodeInitFixed(args []byte) (int, int) {
	if len(args) != 8 {
		return -1, -1
	}
	c, size := util.ReadUB4(args, 0)
	_, count := util.ReadUB4(args, c)
	return int(size), int(count)
}

func validateInitFixed(ctx *OpContext) error {
	size, count := decodeInitFixed(ctx.Args)
	if size <= 0 || size > common.UsableSize || count < 0 || count > page.FixedCapacity(size) {
		return juju.NotValidf("fixed page with %d records of %d bytes", count, size)
	}
	return nil
}

func runInitFixed(ctx *OpContext) error {
	size, count := decodeInitFixed(ctx.Args)
	if err := page.InitFixed(ctx.Page, size); err != nil {
		return err
	}
	impl := ctx.Page.Impl()
	for slot := 0; slot < count; slot++ {
		rid := common.RecordID{Page: ctx.Page.ID, Slot: common.SlotID(slot), Size: int64(size)}
		if err := impl.PostAlloc(ctx.Page, rid); err != nil {
			return err
		}
	}
	return nil
}

// EncodeInitIndirect 参数：{level u16, count u16, {child i64, upperBound i32}...}
func EncodeInitIndirect(level int, entries []page.IndirectEntry) []byte {
	buf := make([]byte, 0, 4+12*len(entries))
	buf = util.WriteUB2(buf, uint16(level))
	buf = util.WriteUB2(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = util.WriteUB8(buf, uint64(e.Child))
		buf = util.WriteUB4(buf, uint32(e.UpperBound))
	}
	return buf
}

func decodeInitIndirect(args []byte) (int, []page.IndirectEntry) {
	c, level := util.ReadUB2(args, 0)
	c, n := util.ReadUB2(args, c)
	entries := make([]page.IndirectEntry, n)
	for i := range entries {
		var child uint64
		var bound uint32
		c, child = util.ReadUB8(args, c)
		c, bound = util.ReadUB4(args, c)
		entries[i] = page.IndirectEntry{Child: common.PageID(child), UpperBound: int32(bound)}
	}
	return int(level), entries
}

func runInitIndirect(ctx *OpContext) error {
	level, entries := decodeInitIndirect(ctx.Args)
	return page.InitIndirect(ctx.Page, level, entries)
}

func runInitBoundaryTag(ctx *OpContext) error {
	if len(ctx.Args) != page.BoundaryTagSize {
		return ErrSizeMismatch
	}
	page.InitBoundaryTag(ctx.Page, page.DecodeBoundaryTag(ctx.Args))
	return nil
}

func runInitLSMRoot(ctx *OpContext) error {
	page.InitLSMRoot(ctx.Page)
	return nil
}

func encodePageID(id common.PageID) []byte {
	return util.WriteUB8(make([]byte, 0, 8), uint64(id))
}

func decodePageID(args []byte) common.PageID {
	_, id := util.ReadUB8(args, 0)
	return common.PageID(id)
}

// runRegionFree 撤销区域分配，参数为区域的标签页
func runRegionFree(ctx *OpContext) error {
	return ctx.TM.regions.freeForUndo(ctx.XID, decodePageID(ctx.Args))
}
