// Package etcdclient creates the etcd client of a service process.
package etcdclient

import (
	"context"
	"strings"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	etcdNamespace "go.etcd.io/etcd/client/v3/namespace"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"

	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/common/servicectx"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

// UseNamespace prefixes all keys of the client.
func UseNamespace(c *etcd.Client, prefix string) {
	c.KV = etcdNamespace.NewKV(c.KV, prefix)
	c.Watcher = etcdNamespace.NewWatcher(c.Watcher, prefix)
	c.Lease = etcdNamespace.NewLease(c.Lease, prefix)
}

// New creates the etcd client, checks the connection and registers the close operation on the process shutdown.
func New(ctx context.Context, proc *servicectx.Process, tel telemetry.Telemetry, logger log.Logger, cfg Config) (*etcd.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	logger = logger.WithComponent("etcd.client")

	// The etcd client logs only in the debug mode
	etcdLogger := zap.NewNop()
	if cfg.DebugLog {
		etcdLogger = log.ZapLoggerFor(logger)
	}

	// Create connect context
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	startTime := time.Now()
	logger.Infof(ctx, "connecting to etcd, connectTimeout=%s, keepAliveTimeout=%s, keepAliveInterval=%s", cfg.ConnectTimeout, cfg.KeepAliveTimeout, cfg.KeepAliveInterval)
	c, err := etcd.New(etcd.Config{
		Context:              context.WithoutCancel(ctx), // a long-lived context, the client exists as long as the process
		Endpoints:            []string{cfg.Endpoint},
		DialTimeout:          cfg.ConnectTimeout,
		DialKeepAliveTimeout: cfg.KeepAliveTimeout,
		DialKeepAliveTime:    cfg.KeepAliveInterval,
		Username:             cfg.Username, // optional
		Password:             cfg.Password, // optional
		Logger:               etcdLogger,
		PermitWithoutStream:  true, // always send keep-alive pings
		DialOptions: []grpc.DialOption{
			grpc.WithStatsHandler(otelgrpc.NewClientHandler(
				otelgrpc.WithTracerProvider(tel.TracerProvider()),
				otelgrpc.WithMeterProvider(tel.MeterProvider()),
			)),
			grpc.WithBlock(), // wait for the connection
			grpc.WithReturnConnectionError(),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  100 * time.Millisecond,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   15 * time.Second,
				},
			}),
		},
	})
	if err != nil {
		return nil, errors.Errorf("cannot create etcd client: cannot connect: %w", err)
	}

	// Prefix client by namespace
	UseNamespace(c, cfg.Namespace)

	// Connection check: get cluster members
	if _, err := c.MemberList(connectCtx); err != nil {
		_ = c.Close()
		return nil, errors.Errorf("cannot create etcd client: cannot get cluster members: %w", err)
	}

	// Close client when shutting down the process
	proc.OnShutdown(func(ctx context.Context) {
		startTime := time.Now()
		logger.Info(ctx, "closing etcd connection")
		if err := c.Close(); err != nil {
			logger.Warnf(ctx, "cannot close etcd connection: %s", err)
		} else {
			logger.WithDuration(time.Since(startTime)).Info(ctx, "closed etcd connection")
		}
	})

	logger.WithDuration(time.Since(startTime)).Infof(ctx, `connected to etcd cluster "%s"`, strings.Join(c.Endpoints(), ";"))
	return c, nil
}
