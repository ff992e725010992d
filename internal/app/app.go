package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/controller"
	"exam_session_engine/internal/repository"
	"exam_session_engine/internal/service"
	"exam_session_engine/internal/sessionstore"
	"exam_session_engine/pkg/configwatcher"
	"exam_session_engine/pkg/database"
	"exam_session_engine/pkg/logger"
	"exam_session_engine/pkg/monitoring"
	"exam_session_engine/pkg/security"
	"exam_session_engine/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *gorm.DB
	Redis    *redis.Client
	services *services

	sessionDB       *sql.DB
	limiter         *security.RateLimiter
	tracer          *sdktrace.TracerProvider
	configCallbacks []func(*config.Config)
	// ConfigFile 热更新监听的配置文件
	ConfigFile string
}

type repositories struct {
	exam          *repository.ExamRepository
	attempt       *repository.AttemptRepository
	sessionRecord *repository.SessionRecordRepository
}

type services struct {
	storage   *service.StorageService
	scorer    *service.ScorerService
	exam      *service.ExamService
	catalog   *service.CatalogService
	attempt   *service.AttemptService
	recording *service.RecordingService
	sessions  *service.SessionManager
}

type controllers struct {
	attempt *controller.AttemptController
	exam    *controller.ExamController
	health  *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		exam:          repository.NewExamRepository(db),
		attempt:       repository.NewAttemptRepository(db),
		sessionRecord: repository.NewSessionRecordRepository(db),
	}
}

// initSessionStore 按配置选择会话存储
func (a *App) initSessionStore(repos *repositories, cfg *config.Config) (sessionstore.Store, error) {
	switch cfg.Session.Store {
	case "memory":
		return sessionstore.NewMemoryStore(), nil
	case "redis":
		return sessionstore.NewRedisStore(a.Redis, cfg.Session.RecordTTL), nil
	case "mysql":
		return repos.sessionRecord, nil
	case "sqlite", "postgres":
		db, dialect, err := database.OpenSessionSQL(context.Background(), cfg.Session.Store, cfg.Session.SQLDSN)
		if err != nil {
			return nil, err
		}
		a.sessionDB = db
		return sessionstore.NewSQLStore(context.Background(), db, dialect)
	}
	return nil, fmt.Errorf("unsupported session store %q", cfg.Session.Store)
}

func (a *App) initServices(repos *repositories, cfg *config.Config) (*services, error) {
	s := &services{}

	s.storage = service.NewStorageService(cfg)
	s.scorer = service.NewScorerService(cfg.Scorer)
	s.exam = service.NewExamService(repos.exam)
	s.catalog = service.NewCatalogService(repos.exam, s.exam)
	s.attempt = service.NewAttemptService(repos.attempt)
	s.recording = service.NewRecordingService(s.storage, cfg.Session)

	store, err := a.initSessionStore(repos, cfg)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	var lock service.ClientLock
	if a.Redis != nil {
		lock = service.NewRedisClientLock(a.Redis, cfg.Session.LockTTL)
	} else {
		lock = service.NewMemoryClientLock(cfg.Session.LockTTL)
	}

	s.sessions = service.NewSessionManager(cfg, s.attempt, s.exam, s.scorer, store, lock)
	a.RegisterConfigCallback(s.sessions.ApplyConfig)
	return s, nil
}

func (a *App) initControllers(s *services, cfg *config.Config) *controllers {
	return &controllers{
		attempt: controller.NewAttemptController(s.sessions, s.recording, cfg.Session.SnapshotBufferSize),
		exam:    controller.NewExamController(s.exam, s.catalog, cfg.Catalog.Dir),
		health:  controller.NewHealthController(a.DB, s.sessions),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS))
	router.Use(security.Secure())
	a.limiter = security.NewRateLimiter(cfg.RateLimit)
	router.Use(a.limiter.Middleware())

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 空闲会话回收与配置热更新，ctx 取消后退出
func (a *App) startBackgroundTasks(ctx context.Context, s *services) {
	go s.sessions.Run(ctx)

	if a.ConfigFile == "" {
		return
	}
	go func() {
		err := configwatcher.WatchConfig(ctx, a.ConfigFile, func(cfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(cfg)
			}
		})
		if err != nil {
			logger.Log.Warn("config hot reload disabled", zap.Error(err))
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	app := &App{
		Config:     cfg,
		DB:         db,
		ConfigFile: filepath.Join("configs", "config.yaml"),
	}
	if cfg.MigrateOnly {
		return app
	}

	// redis 用于会话存储与客户端锁；其余存储方式下可选
	if rdb, err := database.InitRedis(&cfg.Redis); err == nil {
		app.Redis = rdb
	} else if cfg.Session.Store == "redis" {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	} else {
		logger.Log.Warn("Redis unavailable, client lock falls back to memory", zap.Error(err))
	}

	repos := app.initRepositories(db)
	services, err := app.initServices(repos, cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize services", zap.Error(err))
	}
	app.services = services
	controllers := app.initControllers(services, cfg)

	if cfg.Catalog.ImportOnBoot {
		if _, err := services.catalog.ImportDir(cfg.Catalog.Dir, false); err != nil {
			logger.Log.Error("Catalog import failed", zap.Error(err))
		}
	}

	// 监控初始化
	monitoring.Init()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	a.startBackgroundTasks(bgCtx, a.services)

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")
	stopBackground()

	// 先停止接收请求，再等待评分结束并保存全部会话
	grace := a.Config.Scorer.Timeout + a.Config.Scorer.PersistTimeout
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	a.services.sessions.Shutdown(ctx)
	a.limiter.Close()

	if a.sessionDB != nil {
		a.sessionDB.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}

	logger.Log.Info("Server exiting")
}
