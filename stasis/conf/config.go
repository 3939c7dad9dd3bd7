package conf

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xstasis/logger"
)

// 页存储后端
const (
	PageStoreFile   = "file"
	PageStoreBbolt  = "bbolt"
	PageStoreBadger = "badger"
	PageStorePebble = "pebble"
	PageStoreMemory = "memory"
)

// 前像压缩
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// 锁管理器
const (
	LockManagerNone   = "none"
	LockManagerRecord = "record"
)

/*
[store]
data_dir         = data
page_file        = pagefile.db
page_store       = file
direct_io        = false
max_transactions = 1000

[buffer]
pool_size           = 1024
writeback_threshold = 256
writeback_interval  = 1s
writeback_batch     = 32

[log]
file                = logfile.log
buffer_size         = 65536
group_commit_window = 2ms
compression         = none
cache_entries       = 4096

[lock]
manager = none
timeout = 5s

[logs]
log_level = info
*/
type Cfg struct {
	// store
	DataDir         string `default:"data" yaml:"data_dir" json:"data_dir,omitempty"`
	PageFile        string `default:"pagefile.db" yaml:"page_file" json:"page_file,omitempty"`
	PageStore       string `default:"file" yaml:"page_store" json:"page_store,omitempty"`
	DirectIO        bool   `default:"false" yaml:"direct_io" json:"direct_io,omitempty"`
	MaxTransactions int    `default:"1000" yaml:"max_transactions" json:"max_transactions,omitempty"`

	// buffer
	PoolSize           int           `default:"1024" yaml:"pool_size" json:"pool_size,omitempty"`
	WriteBackThreshold int           `default:"256" yaml:"writeback_threshold" json:"writeback_threshold,omitempty"`
	WriteBackInterval  time.Duration `default:"1s" yaml:"writeback_interval" json:"writeback_interval,omitempty"`
	WriteBackBatch     int           `default:"32" yaml:"writeback_batch" json:"writeback_batch,omitempty"`

	// log
	LogFile           string        `default:"logfile.log" yaml:"file" json:"file,omitempty"`
	LogBufferSize     int           `default:"65536" yaml:"buffer_size" json:"buffer_size,omitempty"`
	GroupCommitWindow time.Duration `default:"2ms" yaml:"group_commit_window" json:"group_commit_window,omitempty"`
	Compression       string        `default:"none" yaml:"compression" json:"compression,omitempty"`
	LogCacheEntries   int           `default:"4096" yaml:"cache_entries" json:"cache_entries,omitempty"`

	// lock
	LockManager string        `default:"none" yaml:"manager" json:"manager,omitempty"`
	LockTimeout time.Duration `default:"5s" yaml:"timeout" json:"timeout,omitempty"`

	// logs
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
}

// NewCfg 默认配置
func NewCfg() *Cfg {
	return &Cfg{
		DataDir:            "data",
		PageFile:           "pagefile.db",
		PageStore:          PageStoreFile,
		MaxTransactions:    1000,
		PoolSize:           1024,
		WriteBackThreshold: 256,
		WriteBackInterval:  time.Second,
		WriteBackBatch:     32,
		LogFile:            "logfile.log",
		LogBufferSize:      65536,
		GroupCommitWindow:  2 * time.Millisecond,
		Compression:        CompressionNone,
		LogCacheEntries:    4096,
		LockManager:        LockManagerNone,
		LockTimeout:        5 * time.Second,
		LogLevel:           "info",
	}
}

// PageFilePath 页文件（或后端目录）完整路径
func (cfg *Cfg) PageFilePath() string {
	return filepath.Join(cfg.DataDir, cfg.PageFile)
}

// LogFilePath 日志文件完整路径
func (cfg *Cfg) LogFilePath() string {
	return filepath.Join(cfg.DataDir, cfg.LogFile)
}

// LogConfig 转换为 logger 配置
func (cfg *Cfg) LogConfig() logger.LogConfig {
	return logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}
}

// LoadFile 按扩展名加载 .ini 或 .toml，未出现的键保持默认值
func LoadFile(path string) (*Cfg, error) {
	cfg := NewCfg()
	var src source
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		tree, err := toml.LoadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "load %s", path)
		}
		src = tomlSource{tree: tree}
	default:
		file, err := ini.Load(path)
		if err != nil {
			return nil, errors.Annotatef(err, "load %s", path)
		}
		src = iniSource{file: file}
	}
	if err := cfg.parse(src); err != nil {
		return nil, errors.Annotatef(err, "parse %s", path)
	}
	logger.Debugf("成功加载配置文件: %s", path)
	return cfg, nil
}

// LoadINI 从内存中的 ini 文本加载
func LoadINI(data []byte) (*Cfg, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := NewCfg()
	if err := cfg.parse(iniSource{file: file}); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// LoadTOML 从内存中的 toml 文本加载
func LoadTOML(data string) (*Cfg, error) {
	tree, err := toml.Load(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := NewCfg()
	if err := cfg.parse(tomlSource{tree: tree}); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func (cfg *Cfg) parse(src source) error {
	var err error
	cfg.DataDir = src.str("store", "data_dir", cfg.DataDir)
	cfg.PageFile = src.str("store", "page_file", cfg.PageFile)
	cfg.PageStore = strings.ToLower(src.str("store", "page_store", cfg.PageStore))
	cfg.DirectIO = src.boolean("store", "direct_io", cfg.DirectIO)
	cfg.MaxTransactions = src.integer("store", "max_transactions", cfg.MaxTransactions)

	cfg.PoolSize = src.integer("buffer", "pool_size", cfg.PoolSize)
	cfg.WriteBackThreshold = src.integer("buffer", "writeback_threshold", cfg.WriteBackThreshold)
	if cfg.WriteBackInterval, err = src.duration("buffer", "writeback_interval", cfg.WriteBackInterval); err != nil {
		return err
	}
	cfg.WriteBackBatch = src.integer("buffer", "writeback_batch", cfg.WriteBackBatch)

	cfg.LogFile = src.str("log", "file", cfg.LogFile)
	cfg.LogBufferSize = src.integer("log", "buffer_size", cfg.LogBufferSize)
	if cfg.GroupCommitWindow, err = src.duration("log", "group_commit_window", cfg.GroupCommitWindow); err != nil {
		return err
	}
	cfg.Compression = strings.ToLower(src.str("log", "compression", cfg.Compression))
	cfg.LogCacheEntries = src.integer("log", "cache_entries", cfg.LogCacheEntries)

	cfg.LockManager = strings.ToLower(src.str("lock", "manager", cfg.LockManager))
	if cfg.LockTimeout, err = src.duration("lock", "timeout", cfg.LockTimeout); err != nil {
		return err
	}

	cfg.LogLevel = src.str("logs", "log_level", cfg.LogLevel)
	cfg.LogError = src.str("logs", "log_error", cfg.LogError)
	cfg.LogInfos = src.str("logs", "log_infos", cfg.LogInfos)
	return cfg.Validate()
}

// Validate 检查取值范围
func (cfg *Cfg) Validate() error {
	switch cfg.PageStore {
	case PageStoreFile, PageStoreBbolt, PageStoreBadger, PageStorePebble, PageStoreMemory:
	default:
		return errors.NotValidf("page_store %q", cfg.PageStore)
	}
	switch cfg.Compression {
	case CompressionNone, CompressionSnappy, CompressionLZ4:
	default:
		return errors.NotValidf("compression %q", cfg.Compression)
	}
	switch cfg.LockManager {
	case LockManagerNone, LockManagerRecord:
	default:
		return errors.NotValidf("lock manager %q", cfg.LockManager)
	}
	if cfg.PoolSize < 4 {
		return errors.NotValidf("pool_size %d", cfg.PoolSize)
	}
	if cfg.MaxTransactions <= 0 {
		return errors.NotValidf("max_transactions %d", cfg.MaxTransactions)
	}
	return nil
}
