// Package app 提供 eidos-dapp 服务的应用生命周期管理
//
// ========================================
// eidos-dapp 服务对接说明
// ========================================
//
// ## 服务职责
// eidos-dapp 是 dApp 授权代理，负责:
// 1. 连接授权 (Session): dApp 申请权限，用户在决策通道批准或拒绝
// 2. 只读调用 (View): 按会话权限转发到 RPC 节点池
// 3. 交易签名 (Signing): 用户批准后按账户顺序签名并广播，同一请求只广播一次
//
// ## 端口
// - service.http_port: dApp 调用面 (HTTP + WebSocket 订阅)
// - service.decision_host:decision_port: 用户决策与管理通道 (会话/请求列表、撤销、收窄权限、节点管理、全量事件流)，默认只监听回环地址
// - service.grpc_port: gRPC 健康检查
//
// ## 周期任务 (scheduler)
// - sweep-expired: 会话和签名请求过期清理，回收闲置限流器
// - probe-endpoints: 节点探活
//
// ## Kafka 对接
// - dapp-status-events: 会话和签名请求的每次状态变更，key 为句柄
//
// ## 数据库
// - 数据库名: eidos_dapp，未配置 postgres.host 时只保存在内存
// - 表: dapp_sessions, dapp_signing_requests
//
// ========================================
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/broker"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/config"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/endpoint"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/event"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/handler"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/permission"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/rpc"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/scheduler"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/session"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/signer"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/signing"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// 周期任务名称
const (
	jobSweepExpired   = "sweep-expired"
	jobProbeEndpoints = "probe-endpoints"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 仓储
	sessionRepo repository.SessionRepository
	signingRepo repository.SigningRepository

	// RPC
	pool      *endpoint.Pool
	transport *rpc.EthTransport
	gateway   *rpc.Gateway
	prober    *rpc.Prober

	// 核心组件
	hub       *event.Hub
	sessions  *session.Store
	evaluator *permission.Evaluator
	signer    *signer.KeystoreSigner
	queue     *signing.Queue
	broker    *broker.Broker

	// Kafka
	kafkaProducer *kafka.Producer

	// 周期任务
	scheduler *scheduler.Scheduler

	// 服务器
	health         *handler.HealthHandler
	providerServer *http.Server
	decisionServer *http.Server
	grpcServer     *grpc.Server
	healthServer   *health.Server

	// 运行控制
	stopCh   chan struct{}
	stopOnce sync.Once
	exportWg sync.WaitGroup
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initRPC(); err != nil {
		return nil, fmt.Errorf("failed to init rpc: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initHTTP()
	app.initGRPC()

	return app, nil
}

// initInfrastructure 初始化数据库和 Redis，均为可选
func (a *App) initInfrastructure() error {
	if a.cfg.Postgres.Enabled() {
		db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
		sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

		a.db = db
		logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

		if a.cfg.Postgres.AutoMigrate {
			if err := repository.AutoMigrate(a.db); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			logger.Info("database migrated")
		}

		a.sessionRepo = repository.NewSessionRepository(a.db)
		a.signingRepo = repository.NewSigningRepository(a.db)
	} else {
		logger.Warn("postgres not configured, sessions and signing requests are kept in memory only")
	}

	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr := a.cfg.Redis.Addresses[0]
		a.redis = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			PoolSize: a.cfg.Redis.PoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		logger.Info("redis connected", zap.String("addr", redisAddr))
	}

	return nil
}

// initRPC 初始化节点池、网关和探活
func (a *App) initRPC() error {
	rpcCfg := a.cfg.RPC

	a.transport = rpc.NewEthTransport(&http.Client{})
	a.pool = endpoint.NewPool(endpoint.Config{
		FailureThreshold: rpcCfg.FailureThreshold,
		BaseCooldown:     rpcCfg.BaseCooldownDuration(),
		MaxCooldown:      rpcCfg.MaxCooldownDuration(),
	})
	a.pool.OnHealthChange(func(ep model.Endpoint) {
		metrics.ObserveEndpoint(ep)
		// 进入冷却的节点丢弃连接，恢复后重新拨号
		if ep.Health == model.EndpointHealthUnhealthy {
			a.transport.Forget(ep.URL)
		}
	})
	a.pool.OnRemove(func(ep model.Endpoint) {
		a.transport.Forget(ep.URL)
		metrics.ForgetEndpoint(ep)
	})

	for _, ep := range rpcCfg.Endpoints {
		if _, err := a.pool.AddEndpoint(ep.URL, ep.Priority); err != nil {
			return fmt.Errorf("add endpoint %s: %w", ep.URL, err)
		}
	}
	for _, ep := range a.pool.Snapshot() {
		metrics.ObserveEndpoint(ep)
	}

	var store rpc.IdempotencyStore
	if a.redis != nil {
		store = rpc.NewRedisIdempotencyStore(a.redis, a.cfg.Redis.KeyPrefix, a.cfg.Redis.KeyTTLDuration())
	} else {
		logger.Warn("redis not configured, submit idempotency records are kept in memory only")
		store = rpc.NewMemoryIdempotencyStore()
	}

	a.gateway = rpc.NewGateway(a.pool, a.transport, store, rpc.GatewayConfig{
		MaxRetries:     rpcCfg.MaxRetries,
		DefaultTimeout: rpcCfg.CallTimeout(),
	})
	a.prober = rpc.NewProber(a.pool, a.transport, rpcCfg.ProbeMethod, rpcCfg.CallTimeout())

	logger.Info("rpc gateway initialized",
		zap.Int("endpoints", a.pool.Len()),
		zap.Int("max_retries", rpcCfg.MaxRetries))
	return nil
}

// initServices 初始化会话、权限、签名队列和 broker
func (a *App) initServices() error {
	a.hub = event.NewHub(a.cfg.Broker.SubscriberBuffer)

	a.sessions = session.NewStore(session.Config{
		SessionTTL: a.cfg.Session.TTLDuration(),
		RequestTTL: a.cfg.Session.RequestTTLDuration(),
	}, a.sessionRepo, a.hub)
	a.evaluator = permission.NewEvaluator(a.sessions)

	if a.cfg.Signer.KeystoreDir == "" {
		return fmt.Errorf("signer.keystore_dir is required")
	}
	ks, err := signer.NewKeystoreSigner(signer.Config{
		KeystoreDir: a.cfg.Signer.KeystoreDir,
		Passphrase:  a.cfg.Signer.Passphrase,
	})
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	a.signer = ks

	defaultAccount := a.cfg.Broker.DefaultAccount
	if defaultAccount == "" {
		if accounts := ks.Accounts(); len(accounts) > 0 {
			defaultAccount = accounts[0]
		}
	}

	a.queue = signing.NewQueue(signing.Config{
		RequestTTL:    a.cfg.Signing.RequestTTLDuration(),
		SubmitTimeout: a.cfg.Signing.SubmitTimeoutDuration(),
	}, a.signingRepo, a.sessions, a.signer, a.gateway, a.hub)

	a.broker = broker.NewBroker(broker.Config{
		DefaultAccount: defaultAccount,
		RateLimit:      a.cfg.Broker.RateLimit,
		RateBurst:      a.cfg.Broker.RateBurst,
		LimiterIdle:    a.cfg.Broker.LimiterIdleDuration(),
		ViewTimeout:    a.cfg.RPC.CallTimeout(),
	}, a.sessions, a.evaluator, a.queue, a.gateway, a.hub)

	logger.Info("services initialized",
		zap.String("default_account", defaultAccount),
		zap.Duration("session_ttl", a.cfg.Session.TTLDuration()),
		zap.Duration("signing_request_ttl", a.cfg.Signing.RequestTTLDuration()))
	return nil
}

// initKafka 初始化状态事件导出，未配置 broker 时跳过
func (a *App) initKafka() error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		logger.Info("kafka not configured, status events are not exported")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		Topic:    a.cfg.Kafka.Topic,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	logger.Info("kafka initialized",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("topic", a.cfg.Kafka.Topic))
	return nil
}

// initScheduler 注册过期清理和节点探活任务
func (a *App) initScheduler() error {
	a.scheduler = scheduler.NewScheduler(scheduler.Config{
		MaxConcurrentJobs: a.cfg.Scheduler.MaxConcurrentJobs,
	})

	sweep := scheduler.NewFuncJob(jobSweepExpired, a.cfg.Session.SweepIntervalDuration(),
		func(ctx context.Context) (*scheduler.JobResult, error) {
			sessions, requests := a.broker.Maintain(ctx)
			return &scheduler.JobResult{
				AffectedCount: sessions + requests,
				Details:       map[string]interface{}{"sessions": sessions, "requests": requests},
			}, nil
		})
	if err := a.scheduler.RegisterJob(sweep, scheduler.JobConfig{Cron: a.cfg.Scheduler.SweepCron, Enabled: true}); err != nil {
		return err
	}

	probe := scheduler.NewFuncJob(jobProbeEndpoints, a.cfg.RPC.ProbeIntervalDuration(),
		func(ctx context.Context) (*scheduler.JobResult, error) {
			candidates := a.pool.Len()
			healthy := a.prober.ProbeOnce(ctx)
			return &scheduler.JobResult{
				ProcessedCount: candidates,
				Details:        map[string]interface{}{"healthy": healthy},
			}, nil
		})
	return a.scheduler.RegisterJob(probe, scheduler.JobConfig{Cron: a.cfg.Scheduler.ProbeCron, Enabled: true})
}

// initHTTP 初始化 dApp 调用面和决策通道
func (a *App) initHTTP() {
	a.health = handler.NewHealthHandler(a.pool)

	a.providerServer = &http.Server{
		Addr: fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: handler.NewProviderRouter(
			handler.NewProviderHandler(a.broker),
			handler.NewSubscribeHandler(a.broker),
			a.health,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.decisionServer = &http.Server{
		Addr: net.JoinHostPort(a.cfg.Service.DecisionHost, fmt.Sprint(a.cfg.Service.DecisionPort)),
		Handler: handler.NewDecisionRouter(
			handler.NewDecisionHandler(a.broker),
			handler.NewWalletHandler(a.broker, a.pool),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 恢复未终结的会话和签名请求
	if n, err := a.sessions.Load(ctx); err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	} else if n > 0 {
		logger.Info("sessions restored", zap.Int("count", n))
	}
	if n, err := a.queue.Load(ctx); err != nil {
		return fmt.Errorf("failed to load signing requests: %w", err)
	} else if n > 0 {
		logger.Info("signing requests restored", zap.Int("count", n))
	}

	a.startBackground()

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen grpc: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go a.serveHTTP(a.providerServer, "provider", errCh)
	go a.serveHTTP(a.decisionServer, "decision", errCh)

	a.health.SetReady(true)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		cancel()
		_ = a.shutdown()
		return err
	}

	cancel()
	return a.shutdown()
}

func (a *App) serveHTTP(srv *http.Server, name string, errCh chan<- error) {
	logger.Info("http server listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// startBackground 启动周期任务和事件导出
func (a *App) startBackground() {
	a.scheduler.Start()
	// 启动时立即探活一次，不等第一个周期
	if err := a.scheduler.TriggerJob(jobProbeEndpoints); err != nil {
		logger.Warn("initial endpoint probe not started", zap.Error(err))
	}

	// 导出在 hub 关闭后才退出
	if a.kafkaProducer != nil {
		events, unsubscribe := a.hub.Subscribe(context.Background(), event.AllEvents)
		a.exportWg.Add(1)
		go func() {
			defer a.exportWg.Done()
			defer unsubscribe()
			a.kafkaProducer.Forward(context.Background(), events)
		}()
	}
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.health.SetReady(false)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 先停止接收新请求
	if err := a.providerServer.Shutdown(ctx); err != nil {
		logger.Warn("provider server shutdown", zap.Error(err))
	}
	if err := a.decisionServer.Shutdown(ctx); err != nil {
		logger.Warn("decision server shutdown", zap.Error(err))
	}
	a.grpcServer.GracefulStop()

	a.scheduler.Stop()

	// 等待进行中的提交，超时未完成的保持 Submitting，重启后按同一令牌恢复
	if err := a.queue.Close(ctx); err != nil {
		logger.Warn("signing queue did not drain", zap.Error(err))
	}

	a.hub.Close()
	a.exportWg.Wait()

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}

	a.transport.Close()

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
