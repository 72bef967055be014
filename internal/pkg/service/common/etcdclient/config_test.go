package etcdclient_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keboola/task-worker/internal/pkg/service/common/etcdclient"
)

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := etcdclient.NewConfig()
	cfg.Endpoint = " localhost:2379/ "
	cfg.Namespace = "/my/namespace/"

	cfg = cfg.Normalize()
	assert.Equal(t, "localhost:2379", cfg.Endpoint)
	assert.Equal(t, "my/namespace/", cfg.Namespace)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := etcdclient.NewConfig()
	assert.EqualError(t, cfg.Validate(), "etcd endpoint is not set")

	cfg.Endpoint = "localhost:2379"
	assert.EqualError(t, cfg.Validate(), "etcd namespace is not set")
}
