package stasis

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis/buffer_pool"
	"github.com/zhukovaskychina/xstasis/stasis/common"
	"github.com/zhukovaskychina/xstasis/stasis/conf"
	"github.com/zhukovaskychina/xstasis/stasis/lockmgr"
	"github.com/zhukovaskychina/xstasis/stasis/logs"
	"github.com/zhukovaskychina/xstasis/stasis/manager"
	"github.com/zhukovaskychina/xstasis/stasis/pagehandle"
	"github.com/zhukovaskychina/xstasis/util"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("store is closed")

// Store 一个打开的存储实例：日志、缓冲池、事务管理器。
// 事务接口（Tbegin、Tupdate、Talloc ...）直接由内嵌的 TransactionManager 提供。
type Store struct {
	*manager.TransactionManager

	conf *conf.Cfg

	// Storage
	log    *logs.LogFile
	handle pagehandle.Handle
	pool   *buffer_pool.BufferPool

	// Transaction
	ops   *manager.OperationTable
	locks *lockmgr.LockManager

	mu     sync.Mutex
	closed bool
}

// Option 打开存储时的可选项
type Option func(*options)

type options struct {
	register []func(*manager.OperationTable) error
	handle   pagehandle.Handle
}

// WithOperations 在恢复之前注册客户端操作，恢复需要重做和撤销它们
func WithOperations(register func(*manager.OperationTable) error) Option {
	return func(o *options) { o.register = append(o.register, register) }
}

// WithPageHandle 使用已有的页存储代替配置中的后端
func WithPageHandle(h pagehandle.Handle) Option {
	return func(o *options) { o.handle = h }
}

// Open 打开存储并完成崩溃恢复，新存储会创建根记录
func Open(cfg *conf.Cfg, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logger.InitLogger(cfg.LogConfig()); err != nil {
		return nil, errors.Annotate(err, "init logger")
	}
	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	if !util.FileExists(cfg.LogFilePath()) {
		logger.Infof("no log file at %s, creating a new store", cfg.LogFilePath())
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{conf: cfg}
	if err := s.initStorageLayer(o.handle); err != nil {
		s.teardown()
		return nil, err
	}
	if err := s.initTxnLayer(o.register); err != nil {
		s.teardown()
		return nil, err
	}
	if err := s.recover(); err != nil {
		s.teardown()
		return nil, err
	}
	logger.Infof("store opened at %s: page store %s, %d buffer frames, lock manager %s",
		cfg.DataDir, cfg.PageStore, cfg.PoolSize, cfg.LockManager)
	return s, nil
}

func (s *Store) initStorageLayer(handle pagehandle.Handle) error {
	logOpts, err := logs.OptionsFromCfg(s.conf)
	if err != nil {
		return err
	}
	if s.log, err = logs.Open(s.conf.LogFilePath(), logOpts); err != nil {
		return err
	}
	if handle == nil {
		if handle, err = pagehandle.Open(s.conf); err != nil {
			return err
		}
	}
	s.handle = handle
	s.pool = buffer_pool.NewBufferPool(buffer_pool.ConfigFromCfg(s.conf), s.handle, s.log)
	return nil
}

func (s *Store) initTxnLayer(register []func(*manager.OperationTable) error) error {
	s.ops = manager.NewOperationTable()
	for _, r := range register {
		if err := r(s.ops); err != nil {
			return errors.Annotate(err, "register operations")
		}
	}

	var locks manager.LockManager
	if s.conf.LockManager == conf.LockManagerRecord {
		s.locks = lockmgr.NewLockManager(s.conf.LockTimeout)
		locks = s.locks
	}
	s.TransactionManager = manager.NewTransactionManager(manager.Config{
		Log:             s.log,
		Pool:            s.pool,
		Operations:      s.ops,
		Locks:           locks,
		MaxTransactions: s.conf.MaxTransactions,
	})
	return nil
}

func (s *Store) recover() error {
	if err := manager.NewRecoveryManager(s.TransactionManager).Recover(); err != nil {
		return errors.Annotate(err, "recovery")
	}
	return s.Bootstrap()
}

// teardown 打开失败时释放已经创建的部分
func (s *Store) teardown() {
	if s.pool != nil {
		s.pool.Crash()
	} else if s.handle != nil {
		_ = s.handle.Close()
	}
	if s.log != nil {
		s.log.Crash()
	}
	if s.locks != nil {
		s.locks.Close()
	}
}

// Close 写回所有脏页后关闭。未结束的事务在下次打开时回滚。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if active := s.ActiveTransactions(); len(active) > 0 {
		logger.Warnf("closing store with %d active transactions", len(active))
	}
	err := s.pool.Close()
	if lerr := s.log.Close(); err == nil {
		err = lerr
	}
	if s.locks != nil {
		s.locks.Close()
	}
	logger.Infof("store at %s closed", s.conf.DataDir)
	return errors.Trace(err)
}

// Crash 模拟进程崩溃：丢弃脏页和未写入文件的日志
func (s *Store) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pool.Crash()
	s.log.Crash()
	if s.locks != nil {
		s.locks.Close()
	}
	logger.Warnf("store at %s crashed", s.conf.DataDir)
}

// TruncateLog 写回所有页之后截掉不再需要的日志前缀，返回新的第一个 LSN
func (s *Store) TruncateLog() (common.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.InvalidLSN, ErrClosed
	}
	// 先确定截断点，之后写回的页都不会反映更早的未完成更新
	point := s.TruncationPoint()
	if err := s.pool.ForceAll(); err != nil {
		return common.InvalidLSN, err
	}
	if err := s.log.Truncate(point); err != nil {
		return common.InvalidLSN, err
	}
	logger.Infof("log truncated to lsn %d", point)
	return s.log.FirstLSN(), nil
}

// Stats 存储统计
type Stats struct {
	Buffer             buffer_pool.StatsSnapshot
	Log                logs.StatsSnapshot
	FirstLSN           common.LSN
	NextLSN            common.LSN
	DurableLSN         common.LSN
	ActiveTransactions int
}

// Stats 当前统计
func (s *Store) Stats() Stats {
	return Stats{
		Buffer:             s.pool.Stats(),
		Log:                s.log.Stats(),
		FirstLSN:           s.log.FirstLSN(),
		NextLSN:            s.log.NextLSN(),
		DurableLSN:         s.log.DurableLSN(),
		ActiveTransactions: len(s.ActiveTransactions()),
	}
}

// Config 打开时使用的配置
func (s *Store) Config() *conf.Cfg {
	return s.conf
}

// Log 底层日志，供检查工具遍历
func (s *Store) Log() *logs.LogFile {
	return s.log
}
