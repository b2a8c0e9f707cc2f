package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/database"
	"github.com/pu-ac-cn/uac-cas/internal/handler"
	"github.com/pu-ac-cn/uac-cas/internal/logger"
	"github.com/pu-ac-cn/uac-cas/internal/middleware"
	"github.com/pu-ac-cn/uac-cas/internal/redis"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	lg := logger.Get()
	defer lg.Sync()

	// 初始化数据库连接
	if err := database.Init(&cfg.Database); err != nil {
		lg.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		lg.Fatal("数据库迁移失败", zap.Error(err))
	}
	lg.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver))

	// 只有 Redis 注册表或 Redis 锁需要 Redis
	checks := map[string]handler.HealthCheck{
		"database": func(context.Context) error { return database.Ping() },
	}
	if cfg.Registry.Type == "redis" || cfg.Cleaner.Locking == "redis" {
		if err := redis.Init(&cfg.Redis); err != nil {
			lg.Fatal("初始化 Redis 失败", zap.Error(err))
		}
		defer redis.Close()
		checks["redis"] = redis.Ping
		lg.Info("Redis 连接成功", zap.String("addr", cfg.Redis.Addr))
	}

	// 票据注册表
	store, closeStore, err := newTicketStore(&cfg.Registry)
	if err != nil {
		lg.Fatal("初始化票据存储失败", zap.Error(err))
	}
	defer closeStore()
	var cipher repository.TicketCipher
	if cfg.Registry.Cipher.Enabled {
		if cipher, err = repository.NewTicketCipherFromBase64(cfg.Registry.Cipher.Key); err != nil {
			lg.Fatal("初始化票据加密失败", zap.Error(err))
		}
	}
	registry := repository.NewTicketRegistry(store, cipher, lg.Named("registry"))

	// 票据工厂
	policies, err := service.PoliciesFromConfig(&cfg.Ticket)
	if err != nil {
		lg.Fatal("票据过期策略配置错误", zap.Error(err))
	}
	ids := service.NewTicketIDGenerator(cfg.Ticket.HostName, cfg.Ticket.MaxLength)
	factory := service.NewTicketFactory(ids, policies, cfg.Ticket.OnlyTrackMostRecentSession)

	// 已注册服务
	services := service.NewServicesManager(repository.NewRegisteredServiceRepository(database.GetDB()), lg.Named("services"))

	// 认证
	manager, err := newAuthenticationManager(&cfg.Authentication, lg.Named("authentication"))
	if err != nil {
		lg.Fatal("认证配置错误", zap.Error(err))
	}
	requireHTTPS := cfg.Server.Mode == "release"
	proxyManager := service.NewAuthenticationManager(service.AuthenticationManagerConfig{
		Handlers: []service.AuthenticationHandler{service.NewHTTPBasedServiceCredentialsAuthenticationHandler(nil, requireHTTPS)},
		Logger:   lg.Named("proxy"),
	})
	mfa := service.NewAuthenticationContextValidator(
		service.ProvidersFromConfig(cfg.MFA.Providers),
		service.ParseFailureMode(cfg.MFA.GlobalFailureMode),
		cfg.MFA.ContextAttribute,
		lg.Named("mfa"),
	)

	logout := service.NewDefaultLogoutManager(services, service.NewHTTPLogoutMessageSender(nil), ids, lg.Named("logout")).WithTicketRegistry(registry)
	cas := service.NewCentralAuthenticationService(service.CASConfig{
		Registry:      registry,
		Factory:       factory,
		Services:      services,
		Access:        service.NewRegisteredServiceAccessStrategyEnforcer(service.NewRegoAccessEvaluator(), lg.Named("access")),
		Logout:        logout,
		MFA:           mfa,
		ProxySupport:  service.NewAuthenticationSystemSupport(proxyManager, nil),
		ProxyCallback: service.NewHTTPProxyCallbackHandler(nil, factory, lg.Named("proxy")),
		Logger:        lg.Named("cas"),
	})

	tokens, err := newAssertionTokenEncoder(&cfg.JWT)
	if err != nil {
		lg.Fatal("初始化 JWT 断言失败", zap.Error(err))
	}

	// 注册表清理任务
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	var scheduler *service.CleanerScheduler
	if cfg.Cleaner.Enabled {
		var locking service.LockingStrategy = service.NoOpLockingStrategy{}
		if cfg.Cleaner.Locking == "redis" {
			locking = service.NewRedisLockingStrategy(redis.GetClient(), "", cfg.Cleaner.LockTimeout, lg.Named("locking"))
		}
		cleaner := service.NewRegistryCleaner(registry, logout, locking, lg.Named("cleaner"))
		scheduler = service.NewCleanerScheduler(cleaner, cfg.Cleaner.StartDelay, cfg.Cleaner.RepeatInterval, lg.Named("cleaner"))
		scheduler.Start(ctx)
	}

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.CORS())

	casHandler := handler.NewCASHandler(handler.CASHandlerConfig{
		CAS:      cas,
		Support:  service.NewAuthenticationSystemSupport(manager, nil),
		Services: services,
		Tokens:   tokens,
		Cookie:   cfg.Cookie,
		Logger:   lg.Named("handler"),
	})
	handler.RegisterRoutes(router, casHandler, handler.NewHealthHandler(registry, checks))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		lg.Info("服务启动", zap.String("addr", cfg.Server.Addr), zap.String("registry", cfg.Registry.Type))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("正在关闭服务...")

	// 优雅关闭，等待 5 秒
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("服务关闭失败", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	lg.Info("服务已关闭")
}

// newTicketStore 按 registry.type 选择存储后端，返回的关闭函数总是可调用
func newTicketStore(cfg *config.RegistryConfig) (repository.TicketStore, func(), error) {
	noop := func() {}
	switch cfg.Type {
	case "", "memory":
		return repository.NewMemoryTicketStore(cfg.InitialCapacity), noop, nil
	case "redis":
		return repository.NewRedisTicketStore(redis.GetClient(), cfg.KeyPrefix), noop, nil
	case "gorm":
		return repository.NewGormTicketStore(database.GetDB()), noop, nil
	case "leveldb":
		store, err := repository.NewLevelDBTicketStore(cfg.LevelDBPath, nil)
		if err != nil {
			return nil, noop, err
		}
		return store, closer(store), nil
	case "sqlite":
		store, err := repository.NewSQLiteTicketStore(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return store, closer(store), nil
	default:
		return nil, noop, fmt.Errorf("不支持的票据存储类型: %s", cfg.Type)
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Get().Warn("关闭票据存储失败", zap.Error(err))
		}
	}
}

// newAuthenticationManager 装配配置中启用的认证处理器
func newAuthenticationManager(cfg *config.AuthenticationConfig, lg *zap.Logger) (service.AuthenticationManager, error) {
	policy, err := service.NewAuthenticationPolicy(cfg.Policy, cfg.TryAll, cfg.RequiredHandler)
	if err != nil {
		return nil, err
	}

	var handlers []service.AuthenticationHandler
	if len(cfg.AcceptUsers) > 0 {
		handlers = append(handlers, service.NewAcceptUsersAuthenticationHandler(cfg.AcceptUsers))
	}
	if cfg.PasswordHandler {
		db := database.GetDB()
		handlers = append(handlers, service.NewPasswordAuthenticationHandler(
			repository.NewUserRepository(db),
			repository.NewUserRoleRepository(db),
			lg,
		))
	}
	if len(handlers) == 0 {
		lg.Warn("未启用任何认证处理器，所有登录请求都会失败")
	}

	return service.NewAuthenticationManager(service.AuthenticationManagerConfig{
		Handlers: handlers,
		Policy:   policy,
		Logger:   lg,
	}), nil
}

// newAssertionTokenEncoder 配置了私钥时使用 RS256，否则使用 HS256 密钥，两者都未配置时不启用
func newAssertionTokenEncoder(cfg *config.JWTConfig) (service.AssertionTokenEncoder, error) {
	tokenCfg := service.AssertionTokenConfig{
		KeyID:  cfg.KeyID,
		Issuer: cfg.Issuer,
		Expiry: cfg.Expiry,
	}
	switch {
	case cfg.PrivateKeyPath != "":
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("读取私钥失败: %w", err)
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("解析私钥失败: %w", err)
		}
		tokenCfg.PrivateKey = key
	case cfg.Secret != "":
		secret, err := base64.StdEncoding.DecodeString(cfg.Secret)
		if err != nil {
			secret = []byte(cfg.Secret)
		}
		tokenCfg.Secret = secret
	default:
		return nil, nil
	}
	return service.NewAssertionTokenEncoder(tokenCfg)
}
