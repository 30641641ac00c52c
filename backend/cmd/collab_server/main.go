package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/config"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/agent"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/cache"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/httpapi"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/store"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "collab_server",
		Short:         "Real-time collaborative document engine",
		Version:       fmt.Sprintf("%s (%s)", buildVersion, buildCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to collabConfig.yaml")

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("collab_server exited", "err", err)
		os.Exit(1)
	}
}

func setupLogger(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// stores dsn 为空时用内存实现，进程重启后会话丢失
func stores(ctx context.Context, cfg *config.Config) (collab.SnapshotStore, collab.SessionStore, func(), error) {
	if cfg.Mysql.DSN == "" {
		slog.Warn("mysql dsn is empty, using in-memory stores")
		return store.NewMemorySnapshotStore(), store.NewMemorySessionStore(), func() {}, nil
	}
	gdb, sqlDB, err := store.InitMySQL(cfg.Mysql.DSN, store.PoolOptions{
		MaxOpenConns:    cfg.Mysql.MaxOpenConns,
		MaxIdleConns:    cfg.Mysql.MaxIdleConns,
		ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() { _ = sqlDB.Close() }
	if err := sqlDB.PingContext(ctx); err != nil {
		closeDB()
		return nil, nil, nil, fmt.Errorf("ping mysql: %w", err)
	}

	snapshots := store.NewSnapshotStore(sqlDB)
	if err := snapshots.EnsureSchema(ctx); err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	records := store.NewSessionStore(gdb)
	if err := records.AutoMigrate(); err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	return snapshots, records, closeDB, nil
}

func presenceCache(ctx context.Context, cfg *config.Config) (cache.PresenceCache, func(), error) {
	if len(cfg.Redis.Addrs) == 0 {
		return cache.NoopPresence{}, func() {}, nil
	}
	// 一个地址为单机客户端，多个地址为集群客户端
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return cache.NewRedisPresence(rdb), func() { _ = rdb.Close() }, nil
}

func kafkaDispatcher(cfg *config.Config) (*collab.KafkaDispatcher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, func() {}, nil
	}
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect kafka: %w", err)
	}
	d := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.MaxInflight),
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		})
	return d, func() { _ = producer.Close() }, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	setupLogger(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	snapshots, records, closeDB, err := stores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	presence, closeRedis, err := presenceCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	dispatcher, closeProducer, err := kafkaDispatcher(cfg)
	if err != nil {
		return err
	}
	defer closeProducer()

	var mopts []collab.ManagerOption
	if dispatcher != nil {
		mopts = append(mopts, collab.WithEventPublisher(dispatcher))
	}
	svc := collab.NewManager(collab.Options{
		MaxParticipants: cfg.Collab.MaxParticipants,
		HistoryLimit:    cfg.Collab.HistoryLimit,
		SnapshotEvery:   cfg.Collab.SnapshotEvery,
		IdleTimeout:     cfg.Collab.IdleTimeout,
		SweepInterval:   cfg.Collab.SweepInterval,
		PersistTimeout:  cfg.Collab.PersistTimeout,
	}, snapshots, records, mopts...)

	var bridge *agent.Bridge
	var agents ws.AgentBridge
	if cfg.Agent.APIKey != "" {
		proposer := agent.NewOpenAIProposer(cfg.Agent.APIKey, cfg.Agent.BaseURL, cfg.Agent.Model)
		bridge = agent.NewBridge(svc, proposer, agent.Options{
			ParticipantID: cfg.Agent.ParticipantID,
			DisplayName:   cfg.Agent.DisplayName,
			RatePerSecond: cfg.Agent.RatePerSecond,
			Burst:         cfg.Agent.Burst,
			MaxConcurrent: cfg.Agent.MaxConcurrent,
			Timeout:       cfg.Agent.Timeout,
		})
		agents = bridge
	} else {
		slog.Info("agent api key is empty, agent requests are disabled")
	}

	wsOpts := ws.Options{
		JoinAckTimeout:    cfg.Collab.JoinAckTimeout,
		SubmitTimeout:     cfg.Collab.SubmitTimeout,
		OutboundQueueSize: cfg.Collab.OutboundQueueSize,
		PongWait:          cfg.Collab.PongWait,
		MaxMessageSize:    cfg.Collab.MaxMessageSize,
		PresenceTTL:       cfg.Collab.PresenceTTL,
		AllowedOrigins:    cfg.Cors.AllowedOrigins,
	}
	if bridge != nil {
		wsOpts.ReservedIDs = []string{bridge.ParticipantID()}
	}
	gateway := ws.NewManager(svc, agents, presence, collab.NewSemaphoreControl(cfg.Collab.MaxInflightSubmits), wsOpts)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           httpapi.NewRouter(svc, presence, gateway, cfg.Cors.AllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("collab server listening", "addr", srv.Addr, "version", buildVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(cfg.Running.ShutdownTimeout, srv, gateway, bridge, svc, dispatcher)
	})
	return g.Wait()
}

// shutdown 顺序：停止接收连接，关闭 websocket，等 agent 请求结束，落快照，最后清空 kafka 队列
func shutdown(timeout time.Duration, srv *http.Server, gateway *ws.Manager, bridge *agent.Bridge,
	svc *collab.Manager, dispatcher *collab.KafkaDispatcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	slog.Info("shutting down")

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := gateway.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close websockets: %w", err))
	}
	if bridge != nil {
		done := make(chan struct{})
		go func() {
			bridge.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait agent requests: %w", ctx.Err()))
		}
	}
	if err := svc.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persist sessions: %w", err))
	}
	if dispatcher != nil {
		if err := dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain kafka queue: %w", err))
		}
	}
	return errors.Join(errs...)
}
