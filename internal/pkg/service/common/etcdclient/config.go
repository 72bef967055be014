package etcdclient

import (
	"strings"
	"time"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const (
	DefaultConnectionTimeout = 30 * time.Second
	DefaultKeepAliveTimeout  = 5 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
)

type Config struct {
	Endpoint          string        `configKey:"endpoint" configUsage:"Etcd endpoint."`
	Namespace         string        `configKey:"namespace" configUsage:"Etcd namespace, a prefix of all keys."`
	Username          string        `configKey:"username" configUsage:"Etcd username."`
	Password          string        `configKey:"password" configUsage:"Etcd password."`
	ConnectTimeout    time.Duration `configKey:"connectTimeout" configUsage:"Etcd connect timeout." validate:"required"`
	KeepAliveTimeout  time.Duration `configKey:"keepAliveTimeout" configUsage:"Etcd keep alive timeout." validate:"required"`
	KeepAliveInterval time.Duration `configKey:"keepAliveInterval" configUsage:"Etcd keep alive interval." validate:"required"`
	DebugLog          bool          `configKey:"debugLog" configUsage:"Log etcd client internals as debug messages."`
}

func NewConfig() Config {
	return Config{
		ConnectTimeout:    DefaultConnectionTimeout,
		KeepAliveTimeout:  DefaultKeepAliveTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
	}
}

func (c Config) Normalize() Config {
	c.Endpoint = strings.Trim(c.Endpoint, " /")
	c.Namespace = strings.Trim(c.Namespace, " /") + "/"
	return c
}

func (c Config) Validate() error {
	c = c.Normalize()
	if c.Endpoint == "" {
		return errors.New("etcd endpoint is not set")
	}
	if c.Namespace == "/" {
		return errors.New("etcd namespace is not set")
	}
	return nil
}
