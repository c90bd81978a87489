package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"PPCollab/global"
	"PPCollab/logger"
	"PPCollab/middleware"
	"PPCollab/module/admin"
	"PPCollab/service/events"
	"PPCollab/service/gateway"
	"PPCollab/service/gateway/handlers"
	"PPCollab/service/instance"
	"PPCollab/service/kafka"
	"PPCollab/service/lock"
	"PPCollab/service/nacos"
	"PPCollab/service/natsx"
	"PPCollab/service/session"
	"PPCollab/service/statesync"
	"PPCollab/service/storage"
	redisx "PPCollab/service/storage/redis"
	"PPCollab/tools/ids"
	"PPCollab/tools/safe"
	"PPCollab/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "collab.Collaboration"

type remoteConfig struct {
	opts    nacos.Options
	watcher *nacos.Watcher
}

func nacosOptions(cfg *global.Config) nacos.Options {
	return nacos.Options{
		Addr:      cfg.NacosAddr,
		Namespace: cfg.NacosNamespace,
		Username:  cfg.NacosUsername,
		Password:  cfg.NacosPassword,
	}
}

func fetchRemoteConfig(cfg *global.Config) (*remoteConfig, string, error) {
	opts := nacosOptions(cfg)
	cli, err := nacos.NewConfigClient(opts)
	if err != nil {
		return nil, "", err
	}
	rc := &remoteConfig{opts: opts, watcher: nacos.NewWatcher(cli, cfg.NacosDataID, cfg.NacosGroup)}
	content, err := rc.watcher.Fetch()
	if err != nil {
		return rc, "", err
	}
	return rc, content, nil
}

type app struct {
	cfg    *global.Config
	remote *remoteConfig
	log    *zap.Logger

	bus      *events.Bus
	locks    *lock.Manager
	sessions *session.Manager
	reg      *gateway.Registry
	sync     *statesync.Synchronizer
	presence *storage.Presence

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
	naming  *nacos.Registry

	cancel   context.CancelFunc
	closers  []namedCloser // infra clients, closed last in reverse order
	stopOnce sync.Once
}

type namedCloser struct {
	name  string
	close func() error
}

func newApp(file string) (*app, error) {
	cfg, rc, err := loadConfig(file)
	if err != nil {
		return nil, err
	}
	ids.SetNodeID(cfg.NodeID)

	a := &app{cfg: cfg, remote: rc, log: logger.Named("collabd")}
	a.bus = events.NewBus(4096, events.LogSink{Log: logger.Named("events")})
	a.wireSinks()

	a.locks = lock.NewManager(lock.Config{TTL: cfg.LockTTL, SweepEvery: cfg.LockSweepInterval}, a.bus)
	a.sessions = session.NewManager(session.Config{TTL: cfg.SessionTTL, SweepEvery: cfg.SessionSweepInterval}, a.bus)
	a.reg = gateway.NewRegistry(gateway.Conf{
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteWait:         cfg.WriteWait,
		SendQueueSize:     cfg.SendQueueSize,
	}, a.bus)
	a.sync = statesync.New(a.reg, instance.NewClient(cfg.InstanceServiceURL, cfg.SyncFetchTimeout), statesync.Config{
		Interval:         cfg.SyncInterval,
		Tolerance:        cfg.SyncUsageTolerance,
		FetchConcurrency: cfg.SyncFetchConcurrency,
		FetchTimeout:     cfg.SyncFetchTimeout,
	}, a.bus)

	// listener order matters: the session follows the connection before the
	// synchronizer sends catch-up state
	a.reg.AddListener(session.NewBinder(a.sessions))
	a.reg.AddListener(a.sync)
	a.wirePresence()

	disp := gateway.NewDispatcher()
	handlers.RegisterAll(disp, handlers.NewAuthHandler(a.sessions, security.Options{
		Secret: []byte(cfg.JWTSecret),
		Alg:    cfg.JWTAlg,
	}))
	ws := gateway.NewServer(a.reg, disp, gateway.ServerConf{
		MaxMessageBytes:   cfg.MaxMessageBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOriginList(),
	})

	a.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router(ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.grpcSrv = grpc.NewServer()
	a.health = health.NewServer()
	healthpb.RegisterHealthServer(a.grpcSrv, a.health)
	return a, nil
}

func (a *app) router(ws *gateway.Server) *gin.Engine {
	if a.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		middleware.Recovery(a.log),
		middleware.AccessLog(logger.Named("http")),
		middleware.Origin(a.cfg.AllowedOriginList()),
	)
	r.GET("/ws", ws.HandleWS)

	deps := admin.Deps{Registry: a.reg, Locks: a.locks, Sessions: a.sessions, Sync: a.sync}
	if a.presence != nil {
		deps.Presence = a.presence
	}
	admin.NewHandler(deps).Register(r, a.cfg.AdminToken)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, &global.Msg{Code: http.StatusNotFound, Msg: "route not found: " + c.Request.URL.Path})
	})
	return r
}

// wireSinks attaches the optional NATS and Kafka sinks. An unreachable
// broker is logged and skipped; events are never required for correctness.
func (a *app) wireSinks() {
	if a.cfg.NatsURL != "" {
		nc, err := natsx.NewNatsxClient(natsx.NatsxConfig{
			Servers: strings.Split(a.cfg.NatsURL, ","),
			Name:    "collabd-" + strconv.FormatInt(a.cfg.NodeID, 10),
		})
		if err != nil {
			a.log.Warn("nats sink disabled", zap.Error(err))
		} else {
			a.bus.AddSink(natsx.NewEventSink(nc, a.cfg.NatsSubjectPrefix))
			a.closers = append(a.closers, namedCloser{"nats", nc.Close})
		}
	}
	if brokers := a.cfg.KafkaBrokerList(); len(brokers) > 0 {
		s, err := kafka.DialAuditSink(kafka.AuditConfig{
			Brokers:     brokers,
			Topic:       a.cfg.KafkaAuditTopic,
			EnsureTopic: true,
		})
		if err != nil {
			a.log.Warn("kafka audit sink disabled", zap.Error(err))
		} else {
			a.bus.AddSink(s)
			a.closers = append(a.closers, namedCloser{"kafka", s.Close})
		}
	}
}

func (a *app) wirePresence() {
	if a.cfg.RedisAddr == "" {
		return
	}
	rdb, err := redisx.New(context.Background(), redisx.Config{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err != nil {
		a.log.Warn("redis presence disabled", zap.Error(err))
		return
	}
	a.presence = storage.NewPresence(rdb, a.cfg.PresenceTTL)
	a.reg.AddListener(a.presence)
	a.closers = append(a.closers, namedCloser{"redis", rdb.Close})
}

func (a *app) start() error {
	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCHealthAddr)
	if err != nil {
		_ = httpLis.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.locks.Start()
	a.sessions.Start()
	a.reg.Start()
	a.sync.Start()
	if a.presence != nil {
		safe.SafeGo("presence-refresh", func() {
			a.presence.Run(ctx, a.cfg.PresenceTTL/2, a.reg.Connections)
		})
	}

	safe.SafeGo("http", func() {
		a.log.Info("http listening", zap.String("addr", httpLis.Addr().String()))
		if err := a.httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server stopped", zap.Error(err))
		}
	})
	safe.SafeGo("grpc-health", func() {
		a.log.Info("grpc health listening", zap.String("addr", grpcLis.Addr().String()))
		if err := a.grpcSrv.Serve(grpcLis); err != nil {
			a.log.Error("grpc server stopped", zap.Error(err))
		}
	})
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	a.startRemote(httpLis.Addr())
	return nil
}

// startRemote registers the node in nacos naming and starts the config listener.
func (a *app) startRemote(addr net.Addr) {
	if a.remote == nil {
		return
	}
	if err := a.remote.watcher.Listen(nil); err != nil {
		a.log.Warn("nacos listen failed", zap.Error(err))
	}
	naming, err := nacos.NewNamingClient(a.remote.opts)
	if err != nil {
		a.log.Warn("nacos naming disabled", zap.Error(err))
		return
	}
	ip := a.cfg.AdvertiseIP
	if ip == "" {
		ip = nacos.LocalIP()
	}
	var port uint64
	if ta, ok := addr.(*net.TCPAddr); ok {
		port = uint64(ta.Port)
	}
	a.naming = nacos.NewRegistry(naming, a.cfg.NacosServiceName, ip, port, map[string]string{
		"protocol": "ws",
		"path":     "/ws",
		"nodeId":   strconv.FormatInt(a.cfg.NodeID, 10),
	})
	if err := a.naming.Register(); err != nil {
		a.log.Warn("nacos register failed", zap.Error(err))
		a.naming = nil
	}
}

// stop drains in dependency order: stop advertising, stop accepting, close
// clients, stop background loops, then flush events and infra.
func (a *app) stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.health.Shutdown()
		if a.naming != nil {
			if err := a.naming.Deregister(); err != nil {
				a.log.Warn("nacos deregister failed", zap.Error(err))
			}
		}
		if a.remote != nil {
			_ = a.remote.watcher.Stop()
		}

		if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("http shutdown", zap.Error(err))
		}
		n := a.reg.CloseAll("server shutting down")
		a.log.Info("connections closed", zap.Int("count", n))

		a.sync.Stop()
		a.reg.Flush()
		a.reg.Stop()
		a.sessions.Stop()
		a.locks.Stop()

		done := make(chan struct{})
		go func() { a.grpcSrv.GracefulStop(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			a.grpcSrv.Stop()
		}

		if a.cancel != nil {
			a.cancel()
		}
		a.bus.Close()
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.close(); err != nil {
				a.log.Warn("close failed", zap.String("client", c.name), zap.Error(err))
			}
		}
		a.log.Info("collabd stopped", zap.Int64("events_dropped", a.bus.Dropped()))
	})
}
