package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/task-worker/internal/pkg/env"
	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/common/configmap"
	"github.com/keboola/task-worker/internal/pkg/service/common/dependencies"
	"github.com/keboola/task-worker/internal/pkg/service/common/etcdclient"
	"github.com/keboola/task-worker/internal/pkg/service/common/servicectx"
	"github.com/keboola/task-worker/internal/pkg/service/worker/config"
	"github.com/keboola/task-worker/internal/pkg/service/worker/durable/etcdstore"
	"github.com/keboola/task-worker/internal/pkg/service/worker/node"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport/wsclient"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
	"github.com/keboola/task-worker/internal/pkg/telemetry/metric/prometheus"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const (
	AppName   = "task-worker"
	ENVPrefix = "TASK_WORKER_"
	dotEnv    = ".env"
)

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %s\n", errors.Format(err)) // nolint:forbidigo
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	return &cobra.Command{
		Use:   AppName,
		Short: "Worker node executing task runs assigned by the orchestration server.",
		// Flags are generated from the configuration structure by the configmap package
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), args)
			var helpErr configmap.HelpError
			if errors.As(err, &helpErr) {
				cmd.Print(helpErr.Help)
				return nil
			}
			return err
		},
	}
}

func run(ctx context.Context, args []string) error {
	envs := env.FromOs()
	if err := envs.LoadDotEnv(dotEnv); err != nil {
		return err
	}

	// Load configuration
	cfg := config.New()
	err := configmap.Bind(ctx, configmap.BindSpec{
		AppName:   AppName,
		Args:      args,
		Envs:      envs,
		EnvNaming: env.NewNamingConvention(ENVPrefix),
	}, &cfg)
	if err != nil {
		return err
	}

	// Create logger
	format, err := log.NewFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger := log.NewServiceLogger(os.Stderr, format, cfg.DebugLog)

	// Create process abstraction
	proc, err := servicectx.New(servicectx.WithLogger(logger), servicectx.WithContext(ctx), servicectx.WithUniqueID(cfg.NodeID))
	if err != nil {
		return err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = proc.UniqueID()
	}

	// Setup telemetry
	tel, err := telemetry.New(nil, func() (metric.MeterProvider, error) {
		if cfg.Metrics.Listen == "" {
			return nil, nil
		}
		return prometheus.ServeMetrics(ctx, AppName, cfg.Metrics.Listen, logger, proc)
	})
	if err != nil {
		return err
	}

	d := dependencies.NewBaseScope(nil, logger, envs, proc, tel)

	// Connect to the server
	conn, err := wsclient.Dial(ctx, d, cfg.Transport, cfg.NodeID)
	if err != nil {
		return err
	}
	proc.OnShutdown(func(ctx context.Context) {
		if err := conn.Close("worker is shutting down"); err != nil {
			logger.Warnf(ctx, `cannot close connection: %s`, err)
		}
	})

	var opts []node.Option
	if cfg.Checkpoint.Store == config.CheckpointStoreEtcd {
		client, err := etcdclient.New(ctx, proc, tel, logger, cfg.Checkpoint.Etcd)
		if err != nil {
			return err
		}
		opts = append(opts, node.WithStore(etcdstore.New(client)))
	}

	// Create the node, the connection is closed after the node shutdown
	n, err := node.New(d, cfg, conn, opts...)
	if err != nil {
		return err
	}
	if err := registerTasks(n); err != nil {
		return err
	}

	logger.Infof(ctx, `starting task worker, node "%s"`, n.NodeID())
	proc.Add(func(ctx context.Context) {
		if err := n.Run(ctx); err != nil {
			logger.Errorf(ctx, `worker node stopped: %s`, err)
			proc.Shutdown(err)
			return
		}
		proc.Shutdown(errors.New("connection closed"))
	})

	// Wait for the service shutdown
	proc.WaitForShutdown()
	return nil
}
