// Package etcdstore provides the checkpoint store backed by etcd.
//
// Each record is stored under its own key "<prefix><runID>/<sequence>/<state>".
// The record is written by a transaction, only if the key does not exist yet, so the log is append-only.
package etcdstore

import (
	"context"
	"fmt"
	"strings"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/service/worker/durable"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const DefaultPrefix = "checkpoint/"

type Store struct {
	kv     etcd.KV
	prefix string
}

type Option func(s *Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func New(kv etcd.KV, opts ...Option) *Store {
	s := &Store{kv: kv, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	if !strings.HasSuffix(s.prefix, "/") {
		s.prefix += "/"
	}
	return s
}

func (s *Store) Load(ctx context.Context, runID string) ([]durable.Record, error) {
	resp, err := s.kv.Get(ctx, s.runPrefix(runID), etcd.WithPrefix(), etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot load checkpoints of run "%s" from etcd`, runID)
	}

	out := make([]durable.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record durable.Record
		if err := json.Decode(kv.Value, &record); err != nil {
			return nil, errors.PrefixErrorf(err, `cannot decode checkpoint "%s"`, string(kv.Key))
		}
		out = append(out, record)
	}

	// Keys are sorted, but the order is defined by the record fields
	durable.SortRecords(out)
	return out, nil
}

func (s *Store) Append(ctx context.Context, record durable.Record) error {
	key := s.key(record)
	value, err := json.Encode(record, false)
	if err != nil {
		return errors.PrefixErrorf(err, `cannot encode checkpoint "%s"`, key)
	}

	resp, err := s.kv.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return errors.PrefixErrorf(err, `cannot write checkpoint "%s" to etcd`, key)
	}
	if !resp.Succeeded {
		return errors.PrefixErrorf(durable.ErrRecordExists, `cannot write checkpoint "%s"`, key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.kv.Delete(ctx, s.runPrefix(runID), etcd.WithPrefix()); err != nil {
		return errors.PrefixErrorf(err, `cannot delete checkpoints of run "%s" from etcd`, runID)
	}
	return nil
}

func (s *Store) runPrefix(runID string) string {
	return s.prefix + runID + "/"
}

func (s *Store) key(record durable.Record) string {
	return fmt.Sprintf("%s%010d/%s", s.runPrefix(record.RunID), record.Sequence, record.State)
}
