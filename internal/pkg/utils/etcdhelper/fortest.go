package etcdhelper

import (
	"context"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	"github.com/keboola/task-worker/internal/pkg/env"
	"github.com/keboola/task-worker/internal/pkg/idgenerator"
	"github.com/keboola/task-worker/internal/pkg/service/common/etcdclient"
)

type testOrBenchmark interface {
	Cleanup(f func())
	Skipf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// ClientForTest creates an etcd client in a unique namespace, the namespace is deleted after the test.
// The test is skipped if the UNIT_ETCD_ENDPOINT ENV is not set.
func ClientForTest(t testOrBenchmark) *etcd.Client {
	ctx := context.Background()
	envs := env.FromOs()

	if envs.Get("UNIT_ETCD_ENABLED") == "false" {
		t.Skipf("etcd test is disabled by UNIT_ETCD_ENABLED=false")
	}

	endpoint := envs.Get("UNIT_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skipf(`etcd test is skipped, UNIT_ETCD_ENDPOINT is not set`)
	}

	etcdClient, err := etcd.New(etcd.Config{
		Context:              ctx,
		Endpoints:            []string{endpoint},
		DialTimeout:          2 * time.Second,
		DialKeepAliveTimeout: 2 * time.Second,
		DialKeepAliveTime:    10 * time.Second,
		Username:             envs.Get("UNIT_ETCD_USERNAME"), // optional
		Password:             envs.Get("UNIT_ETCD_PASSWORD"), // optional
		DialOptions: []grpc.DialOption{
			grpc.WithBlock(), // wait for the connection
			grpc.WithReturnConnectionError(),
		},
	})
	if err != nil {
		t.Fatalf("cannot create etcd client: %s", err)
	}

	// Create namespace
	originalKV := etcdClient.KV // not namespaced client for the cleanup
	prefix := "unit-" + idgenerator.Random(10) + "/"
	etcdclient.UseNamespace(etcdClient, prefix)

	// Cleanup namespace after the test
	t.Cleanup(func() {
		if _, err := originalKV.Delete(ctx, prefix, etcd.WithPrefix()); err != nil {
			t.Fatalf(`cannot clear etcd namespace "%s" after test: %s`, prefix, err)
		}
		_ = etcdClient.Close()
	})

	return etcdClient
}
