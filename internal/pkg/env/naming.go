package env

import (
	"strings"

	"github.com/umisama/go-regexpcache"
)

// NamingConvention converts a flag name to an ENV name, for example "foo-bar" -> "MY_APP_FOO_BAR".
type NamingConvention struct {
	prefix string
}

func NewNamingConvention(prefix string) *NamingConvention {
	return &NamingConvention{prefix: prefix}
}

func (n *NamingConvention) FlagToEnv(flagName string) string {
	str := regexpcache.MustCompile(`[^a-zA-Z0-9]+`).ReplaceAllString(flagName, "_")
	str = strings.Trim(str, "_")
	return n.prefix + strings.ToUpper(str)
}
