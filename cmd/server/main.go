// Command server runs the Antigravity gateway: it loads configuration,
// opens the persistence store, imports OAuth credentials, starts the
// background loops, and serves the HTTP API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agproxy/agproxy/internal/api"
	"github.com/agproxy/agproxy/internal/auth"
	"github.com/agproxy/agproxy/internal/background"
	"github.com/agproxy/agproxy/internal/cache"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/logging"
	"github.com/agproxy/agproxy/internal/runtime"
	"github.com/agproxy/agproxy/internal/runtime/executor"
	"github.com/agproxy/agproxy/internal/store"
	"github.com/agproxy/agproxy/internal/util"
	"github.com/agproxy/agproxy/internal/watcher"
)

const (
	exitOK          = 0
	exitMisconfig   = 1
	exitPersistence = 2

	shutdownGrace = 10 * time.Second
)

var version = "dev"

func main() {
	configFile := flag.String("config", "config.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agproxy", version)
		os.Exit(exitOK)
	}

	logging.Setup()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Errorf("startup: %v", err)
		os.Exit(exitMisconfig)
	}
	logging.SetDebug(cfg.Debug)
	if err = logging.ConfigureOutput(cfg.LoggingToFile, "logs"); err != nil {
		log.Errorf("startup: cannot configure log output: %v", err)
		os.Exit(exitMisconfig)
	}

	if err = os.MkdirAll(cfg.CredentialsDir, 0o700); err != nil {
		log.Errorf("startup: credentials dir %s unusable: %v", cfg.CredentialsDir, err)
		os.Exit(exitMisconfig)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Errorf("startup: %v", err)
		os.Exit(exitPersistence)
	}
	defer st.Close()

	client := util.NewHTTPClient(cfg.ProxyURL, 0)
	creds := auth.NewManager(st, cfg.AutoBan, cfg.AutoBanErrorCodes, util.NewHTTPClient(cfg.ProxyURL, 30*time.Second))
	creds.SetAutoVerify(true)
	if err = creds.Load(); err != nil {
		log.Errorf("startup: %v", err)
		os.Exit(exitPersistence)
	}
	if imported, errImport := creds.ImportDir(cfg.CredentialsDir); errImport != nil {
		log.Warnf("startup: credential import: %v", errImport)
	} else if imported > 0 {
		log.Infof("startup: imported %d credential(s) from %s", imported, cfg.CredentialsDir)
	}

	var sigStore *store.Store
	if cfg.SignatureCachePersist {
		sigStore = st
	}
	sigs := cache.NewSignatureCache(sigStore)
	reqLog := logging.NewRequestLogger(cfg.RequestLog, "logs")
	defer reqLog.Close()

	provider := config.NewProvider(cfg)
	disp := runtime.NewDispatcher(provider, creds, client, reqLog)
	server := api.NewServer(provider, disp, sigs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := &executor.Antigravity{Client: client}
	if cfg.BackgroundRefresh.Enabled {
		go background.NewRefresher(provider, creds, exec).Run(ctx)
		log.Info("startup: background quota refresh enabled")
	}
	if cfg.SmartWarmup {
		go background.NewWarmer(provider, creds, exec, st).Run(ctx)
		log.Info("startup: smart warmup enabled")
	}

	startWatcher(ctx, *configFile, provider, reqLog)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err = <-errCh:
		if err != nil {
			log.Errorf("startup: %v", err)
			os.Exit(exitMisconfig)
		}
	case <-ctx.Done():
		log.Info("shutdown: draining in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err = server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}
	log.Info("shutdown: complete")
}

// startWatcher hot-reloads the configuration documents. A fresh snapshot
// is swapped into the provider atomically; handlers pick it up on their
// next read.
func startWatcher(ctx context.Context, configFile string, provider *config.Provider, reqLog *logging.RequestLogger) {
	reload := func(path string) {
		fresh, err := config.LoadConfig(configFile)
		if err != nil {
			log.Warnf("reload: keeping previous config, %s failed to load: %v", path, err)
			return
		}
		provider.Swap(fresh)
		logging.SetDebug(fresh.Debug)
		reqLog.SetEnabled(fresh.RequestLog, "logs")
		log.Infof("reload: configuration refreshed from %s", path)
	}

	boot := provider.Get()
	w, err := watcher.New(reload, configFile, boot.RoutingFile, boot.BackendsFile)
	if err != nil {
		log.Warnf("startup: config watcher unavailable: %v", err)
		return
	}
	go w.Run(ctx)
}
