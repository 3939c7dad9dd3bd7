package manager

import (
	"fmt"
	"sync"

	juju "github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/page"
)

// OperationID 日志中记录的操作号
type OperationID int32

// 内置操作。客户端操作从 OpUserBase 开始编号。
const (
	OpNoop OperationID = iota
	OpSet
	OpSetRange
	OpIncrement
	OpDecrement
	OpAlloc
	OpDealloc
	OpRealloc
	OpInitSlotted
	OpInitFixed
	OpInitIndirect
	OpInitBoundaryTag
	OpInitLSMRoot
	OpRegionAllocMarker
	OpRegionFreeMarker
	OpPrepare

	OpUserBase OperationID = 64
)

type undoKind uint8

const (
	undoLogical undoKind = iota
	undoPhysicalRecord
	undoPhysicalWholePage
)

// UndoStrategy 撤销方式：逻辑撤销调用另一个已注册操作，物理撤销用日志中的前像覆盖
type UndoStrategy struct {
	kind undoKind
	op   OperationID
}

// Logical 由 op 撤销，op 收到原操作的参数
func Logical(op OperationID) UndoStrategy {
	return UndoStrategy{kind: undoLogical, op: op}
}

var (
	// PhysicalRecord 更新前记录的前像
	PhysicalRecord = UndoStrategy{kind: undoPhysicalRecord}
	// PhysicalWholePage 更新前整页的前像
	PhysicalWholePage = UndoStrategy{kind: undoPhysicalWholePage}
)

func (u UndoStrategy) String() string {
	switch u.kind {
	case undoPhysicalRecord:
		return "physical-record"
	case undoPhysicalWholePage:
		return "physical-page"
	}
	return fmt.Sprintf("logical(%d)", u.op)
}

// IsLogical 逻辑撤销
func (u UndoStrategy) IsLogical() bool { return u.kind == undoLogical }

// OpContext 操作执行时的上下文。Page 为空表示不落在页上的操作，此时不持有任何闩。
type OpContext struct {
	TM   *TransactionManager
	XID  common.XID
	Page *page.Page
	LSN  common.LSN
	RID  common.RecordID
	Args []byte
}

// Operation 注册表中的一项
type Operation struct {
	ID   OperationID
	Name string
	Undo UndoStrategy

	// Run 把操作应用到页上。页上的操作必须是确定性的：重做时以相同的参数再次调用。
	Run func(ctx *OpContext) error
	// Validate 可选，写日志之前在写闩内检查参数，失败则不记日志
	Validate func(ctx *OpContext) error
	// FreshPage 操作会格式化整页，不需要从磁盘读取旧内容
	FreshPage bool
}

// OperationTable 操作注册表。打开存储时填充，之后只读。
type OperationTable struct {
	mu  sync.RWMutex
	ops map[OperationID]*Operation
}

// NewOperationTable 创建包含内置操作的注册表
func NewOperationTable() *OperationTable {
	t := &OperationTable{ops: make(map[OperationID]*Operation)}
	for _, op := range builtinOperations() {
		if err := t.Register(op); err != nil {
			panic(err)
		}
	}
	return t
}

// Register 注册一个操作，操作号不能重复
func (t *OperationTable) Register(op Operation) error {
	if op.Run == nil {
		return juju.NotValidf("operation %d without Run", op.ID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ops[op.ID]; ok {
		return juju.Annotatef(ErrDuplicateOperation, "operation %d", op.ID)
	}
	o := op
	t.ops[op.ID] = &o
	return nil
}

// Lookup 按操作号查找
func (t *OperationTable) Lookup(id OperationID) (*Operation, error) {
	t.mu.RLock()
	op, ok := t.ops[id]
	t.mu.RUnlock()
	if !ok {
		return nil, juju.Annotatef(ErrUnknownOperation, "operation %d", id)
	}
	return op, nil
}

// undoOperation 逻辑撤销对应的操作
func (t *OperationTable) undoOperation(op *Operation) (*Operation, error) {
	if !op.Undo.IsLogical() {
		return nil, nil
	}
	return t.Lookup(op.Undo.op)
}
