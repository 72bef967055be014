// Package config contains configuration of the worker node.
package config

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/keboola/task-worker/internal/pkg/service/common/etcdclient"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const (
	CheckpointStoreMemory = "memory"
	CheckpointStoreEtcd   = "etcd"
)

type Config struct {
	NodeID    string `configKey:"nodeId" configUsage:"Unique ID of the worker node. Generated if empty."`
	LogFormat string `configKey:"logFormat" configUsage:"Log format, \"console\" or \"json\"." validate:"oneof=console json"`
	DebugLog  bool   `configKey:"debugLog" configUsage:"Enable debug logs."`

	Slots                        int               `configKey:"slots" configUsage:"Maximum number of concurrently executing runs." validate:"required,min=1"`
	ExecutionTimeout             time.Duration     `configKey:"executionTimeout" configUsage:"Default execution timeout of a run, if the assignment doesn't specify it." validate:"required,min=1s"`
	ScheduleTimeout              time.Duration     `configKey:"scheduleTimeout" configUsage:"Default timeout for a run waiting for a free slot, if the assignment doesn't specify it." validate:"required,min=1s"`
	CancellationWarningThreshold time.Duration     `configKey:"cancellationWarningThreshold" configUsage:"Interval of warnings about a cancelled run that is still running." validate:"required,min=100ms"`
	CancellationGracePeriod      time.Duration     `configKey:"cancellationGracePeriod" configUsage:"Time after cancellation when a still running run is forgotten." validate:"required,gtfield=CancellationWarningThreshold"`
	Retries                      int               `configKey:"retries" configUsage:"Maximum number of retries when a message cannot be delivered to the server." validate:"min=0,max=100"`
	BatchMaxCount                int               `configKey:"batchMaxCount" configUsage:"Maximum number of items in one bulk request message." validate:"required,min=1"`
	BatchMaxBytes                datasize.ByteSize `configKey:"batchMaxBytes" configUsage:"Maximum size of items in one bulk request message." validate:"required"`
	SlotsReportInterval          time.Duration     `configKey:"slotsReportInterval" configUsage:"Interval of slot availability messages." validate:"required,min=100ms"`

	Transport  Transport  `configKey:"transport"`
	Metrics    Metrics    `configKey:"metrics"`
	Checkpoint Checkpoint `configKey:"checkpoint"`
}

type Transport struct {
	URL              string            `configKey:"url" configUsage:"Websocket URL of the orchestration server." validate:"required,url"`
	Token            string            `configKey:"token" configUsage:"Authorization token sent in the handshake."`
	HandshakeTimeout time.Duration     `configKey:"handshakeTimeout" configUsage:"Timeout of the websocket handshake." validate:"required"`
	ReadLimit        datasize.ByteSize `configKey:"readLimit" configUsage:"Maximum size of a received message." validate:"required"`
}

type Metrics struct {
	Listen string `configKey:"listen" configUsage:"Listen address of the Prometheus metrics HTTP endpoint, disabled if empty." validate:"omitempty,hostname_port"`
}

type Checkpoint struct {
	Store string            `configKey:"store" configUsage:"Checkpoint store of durable runs, \"memory\" or \"etcd\"." validate:"oneof=memory etcd"`
	Etcd  etcdclient.Config `configKey:"etcd"`
}

func New() Config {
	etcdConfig := etcdclient.NewConfig()
	etcdConfig.Namespace = "task-worker/checkpoint"
	return Config{
		LogFormat:                    "json",
		Slots:                        100,
		ExecutionTimeout:             60 * time.Second,
		ScheduleTimeout:              5 * time.Minute,
		CancellationWarningThreshold: 5 * time.Second,
		CancellationGracePeriod:      30 * time.Second,
		Retries:                      5,
		BatchMaxCount:                1000,
		BatchMaxBytes:                4 * datasize.MB,
		SlotsReportInterval:          10 * time.Second,
		Transport: Transport{
			URL:              "ws://localhost:7070/worker",
			HandshakeTimeout: 30 * time.Second,
			ReadLimit:        16 * datasize.MB,
		},
		Checkpoint: Checkpoint{
			Store: CheckpointStoreMemory,
			Etcd:  etcdConfig,
		},
	}
}

// Validate cross-field rules, other rules are defined by the "validate" tags.
func (c Config) Validate() error {
	if c.Checkpoint.Store == CheckpointStoreEtcd {
		if err := c.Checkpoint.Etcd.Validate(); err != nil {
			return errors.PrefixError(err, `invalid "checkpoint.etcd" configuration`)
		}
	}
	return nil
}
