package etcdhelper

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"
	etcd "go.etcd.io/etcd/client/v3"
)

type tHelper interface {
	Helper()
}

// DumpAllKeys returns all keys from the etcd database, sorted.
func DumpAllKeys(ctx context.Context, client etcd.KV) ([]string, error) {
	resp, err := client.Get(ctx, "", etcd.WithFromKey(), etcd.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	sort.Strings(keys)
	return keys, nil
}

// AssertKeys dumps all keys from an etcd database and compares them with the expected keys.
// In the expected keys, a wildcards can be used, see the wildcards package.
func AssertKeys(t assert.TestingT, client etcd.KV, expectedKeys []string) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}

	actualKeys, err := DumpAllKeys(context.Background(), client)
	if err != nil {
		t.Errorf(`cannot dump etcd keys: %s`, err)
		return false
	}

	matchedActual := make(map[int]bool)
	var unmatchedExpected []string
	for e, expected := range expectedKeys {
		found := false
		for a, actual := range actualKeys {
			if !matchedActual[a] && wildcards.Compare(expected, actual) == nil {
				matchedActual[a] = true
				found = true
				break
			}
		}
		if !found {
			unmatchedExpected = append(unmatchedExpected, fmt.Sprintf(`[%03d] %s`, e, expected))
		}
	}

	var unmatchedActual []string
	for a, actual := range actualKeys {
		if !matchedActual[a] {
			unmatchedActual = append(unmatchedActual, fmt.Sprintf(`[%03d] %s`, a, actual))
		}
	}

	if len(unmatchedExpected) > 0 {
		assert.Fail(t, fmt.Sprintf("These keys are in expected but not actual ectd state:\n%s\n", strings.Join(unmatchedExpected, "\n")))
	}
	if len(unmatchedActual) > 0 {
		assert.Fail(t, fmt.Sprintf("These keys are in actual but not expected ectd state:\n%s\n", strings.Join(unmatchedActual, "\n")))
	}
	return len(unmatchedExpected) == 0 && len(unmatchedActual) == 0
}
