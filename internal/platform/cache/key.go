package cache

import (
	"encoding/json"
	"sort"
	"strings"
)

// KeyPrefix marks response cache keys.
const KeyPrefix = "api:"

// Key derives the cache key for an endpoint and its parameters. The key is
// a canonical JSON array of the endpoint followed by the parameters sorted
// by name, so two logically identical requests always collide and distinct
// ones never do. Keys stay readable so Clear can match them by endpoint
// substring.
func Key(endpoint string, params map[string]string) string {
	return KeyWith([]string{endpoint}, params)
}

// KeyWith is Key with fixed positional fields ahead of the named
// parameters. head[0] must be the endpoint. Positional fields never share
// a namespace with parameter names.
func KeyWith(head []string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(head)+2*len(names))
	parts = append(parts, head...)
	for _, name := range names {
		parts = append(parts, name, params[name])
	}

	// Marshalling a []string cannot fail.
	data, _ := json.Marshal(parts)
	return KeyPrefix + string(data)
}

// EndpointOf recovers the endpoint from a key produced by Key.
func EndpointOf(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	var parts []string
	if err := json.Unmarshal([]byte(key[len(KeyPrefix):]), &parts); err != nil || len(parts) == 0 {
		return "", false
	}
	return parts[0], true
}
