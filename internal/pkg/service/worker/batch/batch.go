// Package batch splits an ordered list of items into groups bounded by an item count and a byte size.
//
// The split is a greedy single pass, the order of items is preserved.
// A group is never empty, an item bigger than the byte limit forms a group alone.
package batch

import (
	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type Group[T any] struct {
	BatchIndex int
	Payloads   []T
	// OriginalIndices contains index of each payload in the input list.
	OriginalIndices []int
	// Bytes is the total size of the payloads.
	Bytes int
}

// Sizer returns the size of the item in bytes.
type Sizer[T any] func(item T) (int, error)

type Option[T any] func(c *config[T])

type config[T any] struct {
	sizer Sizer[T]
}

// WithSizer replaces the default sizer, which measures the item as JSON.
func WithSizer[T any](fn Sizer[T]) Option[T] {
	return func(c *config[T]) {
		c.sizer = fn
	}
}

// Split partitions items into groups with at most maxCount items and at most maxBytes bytes.
// Non-positive bounds are a configuration error.
func Split[T any](items []T, maxCount, maxBytes int, opts ...Option[T]) ([]Group[T], error) {
	if maxCount <= 0 {
		return nil, svcErrors.NewConfigErrorf(`batch max count must be positive, found %d`, maxCount)
	}
	if maxBytes <= 0 {
		return nil, svcErrors.NewConfigErrorf(`batch max bytes must be positive, found %d`, maxBytes)
	}

	cfg := config[T]{sizer: jsonSize[T]}
	for _, o := range opts {
		o(&cfg)
	}

	groups := make([]Group[T], 0)
	var current *Group[T]
	for index, item := range items {
		size, err := cfg.sizer(item)
		if err != nil {
			return nil, errors.PrefixErrorf(err, `cannot measure item "%d"`, index)
		}

		// Start a new group, if the item doesn't fit
		if current != nil && (len(current.Payloads)+1 > maxCount || current.Bytes+size > maxBytes) {
			current = nil
		}
		if current == nil {
			groups = append(groups, Group[T]{BatchIndex: len(groups)})
			current = &groups[len(groups)-1]
		}

		current.Payloads = append(current.Payloads, item)
		current.OriginalIndices = append(current.OriginalIndices, index)
		current.Bytes += size
	}

	return groups, nil
}

func jsonSize[T any](item T) (int, error) {
	return json.EncodedSize(item)
}
