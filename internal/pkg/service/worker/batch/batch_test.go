package batch_test

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/batch"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type item struct {
	A int `json:"a"`
}

func TestSplit_Empty(t *testing.T) {
	t.Parallel()

	groups, err := batch.Split([]item{}, 5, 100)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestSplit_MaxCount(t *testing.T) {
	t.Parallel()

	groups, err := batch.Split([]item{{A: 1}, {A: 2}, {A: 3}}, 2, 1e9)
	require.NoError(t, err)

	expected := []batch.Group[item]{
		{BatchIndex: 0, Payloads: []item{{A: 1}, {A: 2}}, OriginalIndices: []int{0, 1}, Bytes: 14},
		{BatchIndex: 1, Payloads: []item{{A: 3}}, OriginalIndices: []int{2}, Bytes: 7},
	}
	if diff := cmp.Diff(expected, groups); diff != "" {
		t.Errorf("unexpected groups (-want +got):\n%s", diff)
	}
}

func TestSplit_MaxBytes(t *testing.T) {
	t.Parallel()

	sizer := batch.WithSizer(func(s string) (int, error) { return len(s), nil })
	items := []string{"aaa", "bb", "cccccccccc", "d", "ee", "f"}
	groups, err := batch.Split(items, 100, 5, sizer)
	require.NoError(t, err)

	expected := []batch.Group[string]{
		{BatchIndex: 0, Payloads: []string{"aaa", "bb"}, OriginalIndices: []int{0, 1}, Bytes: 5},
		// Oversized item forms a group alone
		{BatchIndex: 1, Payloads: []string{"cccccccccc"}, OriginalIndices: []int{2}, Bytes: 10},
		{BatchIndex: 2, Payloads: []string{"d", "ee", "f"}, OriginalIndices: []int{3, 4, 5}, Bytes: 4},
	}
	if diff := cmp.Diff(expected, groups); diff != "" {
		t.Errorf("unexpected groups (-want +got):\n%s", diff)
	}
}

func TestSplit_InvalidBounds(t *testing.T) {
	t.Parallel()

	for _, bounds := range [][2]int{{0, 100}, {-1, 100}, {5, 0}, {5, -10}} {
		_, err := batch.Split([]item{}, bounds[0], bounds[1])
		require.Error(t, err)
		var configErr svcErrors.ConfigError
		assert.True(t, errors.As(err, &configErr), err.Error())
	}
}

func TestSplit_SizerError(t *testing.T) {
	t.Parallel()

	sizer := batch.WithSizer(func(s string) (int, error) { return 0, errors.New("some error") })
	_, err := batch.Split([]string{"foo"}, 1, 1, sizer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot measure item "0"`)
}

func TestSplit_Properties(t *testing.T) {
	t.Parallel()

	rnd := rand.New(rand.NewPCG(1, 2))
	sizer := batch.WithSizer(func(s string) (int, error) { return len(s), nil })

	for range 200 {
		items := make([]string, rnd.IntN(50))
		for i := range items {
			items[i] = strings.Repeat("x", rnd.IntN(30))
		}
		maxCount := 1 + rnd.IntN(10)
		maxBytes := 1 + rnd.IntN(60)

		groups, err := batch.Split(items, maxCount, maxBytes, sizer)
		require.NoError(t, err)

		var concat []string
		var indices []int
		for i, group := range groups {
			assert.Equal(t, i, group.BatchIndex)
			assert.NotEmpty(t, group.Payloads)
			assert.LessOrEqual(t, len(group.Payloads), maxCount)
			assert.Len(t, group.OriginalIndices, len(group.Payloads))
			if len(group.Payloads) > 1 {
				assert.LessOrEqual(t, group.Bytes, maxBytes)
			}
			concat = append(concat, group.Payloads...)
			indices = append(indices, group.OriginalIndices...)
		}

		// Concatenation reproduces the input, each item is in exactly one group
		assert.Equal(t, len(items), len(concat))
		for i := range items {
			assert.Equal(t, items[i], concat[i])
			assert.Equal(t, i, indices[i])
		}
	}
}
