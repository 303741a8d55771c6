package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PedMedClient/global/config"
	"PedMedClient/logger"
	"PedMedClient/module/auth/model"
	"PedMedClient/module/chatbot"
	"PedMedClient/module/drug"
	"PedMedClient/service/netclient"
	"PedMedClient/service/session"
	"PedMedClient/service/storage"
	storageredis "PedMedClient/service/storage/redis"
	"PedMedClient/service/stub"
)

// Demo wiring: start the stub backend in-process, log a user in, run one
// chatbot round trip and a drug lookup, then keep the session alive until
// SIGINT/SIGTERM. PEDMED_BACKEND_URL skips the stub and points the client at
// a real backend.
func main() {
	cfg := config.FromEnv()

	ownStub := cfg.BackendURL == "" || cfg.BackendURL == config.Default().BackendURL
	if ownStub {
		srv := stub.New(3)
		srv.AddUser("demo", "demo123")
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			logger.Errorf("[Main] stub listen: %v", err)
			os.Exit(1)
		}
		go func() {
			if err := (&http.Server{Handler: srv.Engine()}).Serve(lis); err != nil && err != http.ErrServerClosed {
				logger.Errorf("[Main] stub server: %v", err)
			}
		}()
		cfg.BackendURL = "http://" + lis.Addr().String()
		logger.Infof("[Main] stub backend on %s", cfg.BackendURL)
	}

	var cache netclient.Cache = netclient.NewMemoryCache()
	if cfg.RedisAddr != "" {
		if err := storageredis.InitRedis(storageredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}); err != nil {
			logger.Warnf("[Main] redis unavailable, falling back to memory cache: %v", err)
		} else {
			cache = netclient.NewRedisCache("pedmed:cache:")
			defer storageredis.CloseRedis()
		}
	}

	var store storage.Store
	if cfg.StatePath != "" {
		fs, err := storage.NewFileStore(cfg.StatePath)
		if err != nil {
			logger.Warnf("[Main] state file unavailable, using memory store: %v", err)
			store = storage.NewMemStore()
		} else {
			store = fs
		}
	} else {
		store = storage.NewMemStore()
	}

	httpc := netclient.New(cfg.RequestTimeout, cfg.CacheTTL, cache)
	ctl := session.NewController(cfg, httpc, store)
	ctl.OnForcedLogout = func(reason string) {
		fmt.Printf("\n⚠️  Phiên đăng nhập đã kết thúc: %s\n", reason)
	}
	ctl.OnDeviceConflict = func(devices []model.DeviceInfo) {
		fmt.Printf("another device took over the session (%d registered)\n", len(devices))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if !ctl.Resume(ctx) {
		if err := ctl.Login(ctx, "demo", "demo123"); err != nil {
			logger.Errorf("[Main] login: %v", err)
			os.Exit(1)
		}
	}
	logger.Infof("[Main] session state=%s", ctl.State())

	bot := chatbot.New(httpc, cfg.BackendURL, ctl.Session().Username)
	if reply, err := bot.Chat(ctx, "Liều paracetamol cho trẻ 2 tuổi?"); err == nil {
		fmt.Println("AI:", reply.Message)
	} else {
		logger.Warnf("[Main] chat: %v", err)
	}

	drugs := drug.New(httpc, cfg.BackendURL)
	if rows, err := drugs.Search(ctx, "paracetamol"); err == nil {
		logger.Infof("[Main] drug search returned %d rows", len(rows))
	} else {
		logger.Warnf("[Main] drug search: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctl.NotifyShutdown()
	if err := ctl.Logout(context.Background()); err != nil {
		logger.Warnf("[Main] logout: %v", err)
	}
	logger.Info("[Main] bye")
}
