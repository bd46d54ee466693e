package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/zhukovaskychina/xmysql-txncore/logger"
	"github.com/zhukovaskychina/xmysql-txncore/server/conf"
	"github.com/zhukovaskychina/xmysql-txncore/server/innodb/manager"
)

const help = `
******************************************************************************************
 __   ____  __        _____  _____  __  __ _   _  ____ ___  ____  _____
 \ \ / /  \/  |      |_   _\ \/ /  \/  | \ | |/ ___/ _ \|  _ \| ____|
  \ V /| |\/| |_____   | |  \  /| |\/| |  \| | |  | | | | |_) |  _|
   > < | |  | |_____|  | |  /  \| |  | | |\  | |__| |_| |  _ <| |___
  /_/\_\_|  |_|        |_| /_/\_\_|  |_|_| \_|\____\___/|_| \_\_____|
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定my.ini配置文件
*3. -- metricsAddr  prometheus 指标监听地址，为空时不启动
******************************************************************************************
`

func main() {
	var (
		configPath  string
		metricsAddr string
		showHelp    bool
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&metricsAddr, "metricsAddr", "", "指标监听地址")
	flag.BoolVar(&showHelp, "help", false, "帮助")
	flag.Parse()
	if showHelp {
		fmt.Print(help)
		return
	}

	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitLogger(config.LogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("config loaded from %q, data dir %s", conf.ConfigPath, config.DataDir)

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		logger.Fatalf("create data dir: %v", err)
	}

	tm, err := manager.OpenTransactionManager(manager.TxnManagerConfigFromCfg(config), nil)
	if err != nil {
		logger.Fatalf("open transaction manager: %v", err)
	}
	rs := tm.Stats().Recovery
	logger.WithFields(logrus.Fields{
		"checkpoint": rs.CheckpointLSN, "redone": rs.Redone, "undone": rs.Undone,
		"losers": rs.Losers, "duration": rs.Duration,
	}).Info("engine ready")

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	logger.Infof("got signal [%s] to exit", sig)

	if err := tm.Close(); err != nil {
		logger.Errorf("close transaction manager: %v", err)
		os.Exit(1)
	}
	logger.Info("engine stopped")
}
