package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-bpm/common/logger"
	"wisefido-bpm/internal/config"
	"wisefido-bpm/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLoggerWithFile(cfg.Log.Level, cfg.Log.Format, "wisefido-bpm", logger.FileOptions{Path: cfg.Log.File})
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	bpmService, err := service.NewBPMService(initCtx, cfg, log)
	initCancel()
	if err != nil {
		log.Fatal("Failed to create BPM service", zap.Error(err))
	}

	// 4. 启动服务（在 goroutine 中）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- bpmService.Start(ctx)
	}()

	// 5. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serviceErrChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := bpmService.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop BPM service cleanly", zap.Error(err))
	}
	log.Info("BPM service stopped")
}
