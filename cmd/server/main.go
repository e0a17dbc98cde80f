package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"maabo/internal/app"
	"maabo/internal/catalog"
	"maabo/internal/config"
	"maabo/internal/engine"
	"maabo/internal/httpapi"
	"maabo/internal/logbus"
	"maabo/internal/logger"
	"maabo/internal/maacli"
	"maabo/internal/notify"
	"maabo/internal/provider/standard"
	"maabo/internal/relay"
	"maabo/internal/store/sqlite"
	"maabo/internal/taskconfig"
	"maabo/internal/updater"
	"maabo/internal/utils"
)

// 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	envPath := flag.String("env", ".env", "path to .env")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load %s: %v", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("maabo: %v", err)
	}
}

func run(cfg config.Config) error {
	lg, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(lg)
	lg.Info("MaaBo 版本", "version", version)
	if cfg.Update.UserAgent == "" {
		cfg.Update.UserAgent = utils.UserAgent("maabo", version)
	}

	bus := logbus.New(cfg.Relay.HistorySize)
	defer bus.Close()
	bus.Log("info", "服务启动中", map[string]any{"addr": cfg.Server.Addr})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	cat, err := catalog.Open(cfg.Catalog.Dir, lg)
	if err != nil {
		// 资源文件损坏不影响启动，初始化命令会重新加载
		lg.Warn("open catalog failed", "dir", cfg.Catalog.Dir, "err", err)
		cat = catalog.NewMemory(nil, nil, nil)
	}

	classifier, err := relay.ClassifierFromConfig(cfg.Relay.Rules)
	if err != nil {
		return err
	}
	rel := relay.New(relay.Options{
		Classifier: classifier,
		Publisher:  bus,
		Logger:     lg,
	})

	notifier := notify.NewEmailNotifier(store, bus)
	eng := engine.New(engine.Options{
		Config:   cfg.Engine,
		Relay:    rel,
		Bus:      bus,
		Recorder: store,
		Notifier: notifier,
		Logger:   lg,
	})
	// 任何退出路径（包括 panic）都不能留下引擎进程
	defer eng.KillAll()

	upd := updater.New(updater.Options{
		Config:   cfg.Update,
		Binary:   cfg.Engine.Binary,
		Provider: standard.New(cfg.Update, bus),
		Store:    store,
		Guard:    eng,
		Bus:      bus,
		Logger:   lg,
	})
	if err := upd.Start(); err != nil {
		lg.Warn("update schedule disabled", "err", err)
	}
	defer upd.Stop()

	layout := maacli.Layout{ConfigDir: cfg.Engine.ConfigDir}
	builder := taskconfig.New(taskconfig.Options{
		Catalog:     cat,
		Layout:      layout,
		ResourceDir: cfg.Engine.ResourceDir,
		CopilotDir:  cfg.Engine.CopilotDir,
		TaskName:    cfg.Engine.TaskName,
		Profile:     cfg.Engine.Profile,
	})

	quit := make(chan struct{})
	var quitOnce sync.Once
	application := app.New(app.Options{
		Store:      store,
		Catalog:    cat,
		Builder:    builder,
		Layout:     layout,
		Binary:     cfg.Engine.Binary,
		Supervisor: eng,
		Updater:    upd,
		Bus:        bus,
		Logger:     lg,
		Version:    version,
		OnQuit:     func() { quitOnce.Do(func() { close(quit) }) },
	})

	api := httpapi.New(httpapi.Options{
		Cfg:      cfg.Server,
		App:      application,
		Bus:      bus,
		Settings: store,
		Logger:   lg,
		WSBuffer: cfg.Relay.BufferSize,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	lg.Info("http server listening", "addr", cfg.Server.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var runErr error
	select {
	case sig := <-stop:
		bus.Log("info", "收到退出信号", map[string]any{"signal": sig.String()})
	case <-quit:
		bus.Log("info", "收到退出请求", nil)
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			bus.Log("error", "http 服务异常", map[string]any{"error": err.Error()})
			runErr = err
		}
	}

	// 先结束引擎，再关闭 HTTP 服务
	application.KillAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = notifier.Close(shutdownCtx)
	lg.Info("server stopped")
	return runErr
}
