package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/xstasis/logger"
	"github.com/zhukovaskychina/xstasis/stasis"
	"github.com/zhukovaskychina/xstasis/stasis/conf"
)

const help = `
******************************************************************************************
* xstasis: 打开存储、完成崩溃恢复并输出状态
*1. -- help
*2. -- configPath   指定配置文件（.ini 或 .toml）
*3. -- dump         按顺序打印日志记录
*4. -- truncate     写回所有页并截断日志
******************************************************************************************
`

func main() {
	var (
		configPath string
		dump       bool
		truncate   bool
		showHelp   bool
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&dump, "dump", false, "打印日志记录")
	flag.BoolVar(&truncate, "truncate", false, "截断日志")
	flag.BoolVar(&showHelp, "help", false, "帮助")
	flag.Parse()
	if showHelp {
		fmt.Print(help)
		return
	}

	cfg := conf.NewCfg()
	if configPath != "" {
		var err error
		if cfg, err = conf.LoadFile(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	s, err := stasis.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Errorf("close store: %v", err)
		}
	}()

	if dump {
		it := s.Log().Forward(s.Log().FirstLSN())
		for it.Next() {
			fmt.Println(it.Entry())
		}
		if err := it.Err(); err != nil {
			logger.Errorf("dump log: %v", err)
		}
	}
	if truncate {
		first, err := s.TruncateLog()
		if err != nil {
			logger.Errorf("truncate log: %v", err)
			return
		}
		fmt.Printf("log truncated, first lsn %d\n", first)
	}

	st := s.Stats()
	fmt.Printf("log: first lsn %d, next lsn %d, durable lsn %d\n", st.FirstLSN, st.NextLSN, st.DurableLSN)
	fmt.Printf("buffer: %d cached, %d dirty, hit ratio %.2f\n", st.Buffer.CachedPages, st.Buffer.DirtyPages, st.Buffer.GetHitRatio())
	fmt.Printf("prepared transactions: %v\n", s.PreparedTransactions())
}
