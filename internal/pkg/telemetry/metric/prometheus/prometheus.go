// Package prometheus exposes OpenTelemetry metrics through a Prometheus HTTP endpoint.
package prometheus

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelProm "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricSdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/common/servicectx"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const (
	Endpoint          = "metrics"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// ServeMetrics starts the HTTP server with the metrics endpoint, the server is stopped on the process shutdown.
func ServeMetrics(ctx context.Context, serviceName, listenAddr string, logger log.Logger, proc *servicectx.Process) (metric.MeterProvider, error) {
	logger = logger.WithComponent("metrics")
	logger.Infof(ctx, `starting HTTP server on "%s/%s"`, listenAddr, Endpoint)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := otelProm.New(otelProm.WithRegisterer(registry), otelProm.WithoutScopeInfo())
	if err != nil {
		return nil, errors.PrefixError(err, "cannot create Prometheus exporter")
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := metricSdk.NewMeterProvider(metricSdk.WithReader(exporter), metricSdk.WithResource(res))

	handler := http.NewServeMux()
	handler.Handle("/"+Endpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: listenAddr, Handler: handler, ReadHeaderTimeout: readHeaderTimeout}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot listen on "%s"`, listenAddr)
	}

	proc.Add(func(ctx context.Context) {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf(ctx, `HTTP server error: %s`, err)
			proc.Shutdown(err)
		}
	})

	proc.OnShutdown(func(ctx context.Context) {
		logger.Info(ctx, "shutting down HTTP server")

		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf(ctx, `HTTP server shutdown error: %s`, err)
		}
		if err := provider.Shutdown(ctx); err != nil {
			logger.Errorf(ctx, `cannot shutdown the meter provider: %s`, err)
		}
		logger.Info(ctx, "HTTP server shutdown finished")
	})

	return provider, nil
}
