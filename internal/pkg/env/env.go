// Package env provides read-only access to ENV variables, optionally merged with a ".env" file.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

// Provider is read-only interface to get ENV value.
type Provider interface {
	Lookup(key string) (string, bool)
	Get(key string) string
	ToSlice() []string
}

// Map - abstraction for ENV variables.
// Keys are represented as uppercase string.
type Map struct {
	data map[string]string
	lock *sync.RWMutex
}

func Empty() *Map {
	return &Map{data: make(map[string]string), lock: &sync.RWMutex{}}
}

func FromMap(data map[string]string) *Map {
	m := Empty()
	for k, v := range data {
		m.Set(k, v)
	}
	return m
}

func FromOs() *Map {
	m := Empty()
	for _, pair := range os.Environ() { // nolint: forbidigo
		if k, v, ok := strings.Cut(pair, "="); ok {
			m.Set(k, v)
		}
	}
	return m
}

// LoadDotEnv merges ENVs from the file into the map. Existing keys take precedence.
// A missing file is not an error.
func (m *Map) LoadDotEnv(path string) error {
	content, err := os.ReadFile(path) // nolint: forbidigo
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return errors.Errorf(`cannot read env file "%s": %w`, path, err)
	}

	values, err := godotenv.Unmarshal(string(content))
	if err != nil {
		return errors.Errorf(`cannot parse env file "%s": %w`, path, err)
	}

	for k, v := range values {
		if _, found := m.Lookup(k); !found {
			m.Set(k, v)
		}
	}
	return nil
}

func (m *Map) Set(key, value string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.data[strings.ToUpper(key)] = value
}

func (m *Map) Lookup(key string) (string, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	v, ok := m.data[strings.ToUpper(key)]
	return v, ok
}

func (m *Map) Get(key string) string {
	v, _ := m.Lookup(key)
	return v
}

func (m *Map) ToSlice() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]string, 0, len(m.data))
	for k, v := range m.data {
		out = append(out, fmt.Sprintf(`%s=%s`, k, v))
	}
	sort.Strings(out)
	return out
}
