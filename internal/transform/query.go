package transform

import (
	"net/url"
	"sort"
	"strings"
)

// queryPair keeps the raw encoded form of untouched parameters so a
// rewrite only re-encodes what it changes.
type queryPair struct {
	key   string
	value string
	raw   string
}

func parseQuery(raw string) []queryPair {
	if raw == "" {
		return nil
	}
	var pairs []queryPair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			key = k
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			value = v
		}
		pairs = append(pairs, queryPair{key: key, value: value, raw: part})
	}
	return pairs
}

func encodeQuery(pairs []queryPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.raw != "" {
			parts = append(parts, p.raw)
			continue
		}
		parts = append(parts, url.QueryEscape(p.key)+"="+url.QueryEscape(p.value))
	}
	return strings.Join(parts, "&")
}

func removeParam(pairs []queryPair, key string) []queryPair {
	out := pairs[:0]
	for _, p := range pairs {
		if p.key != key {
			out = append(out, p)
		}
	}
	return out
}

// setParam replaces the first occurrence of key and drops the others, or
// appends the pair when key is absent.
func setParam(pairs []queryPair, key, value string) []queryPair {
	found := false
	out := pairs[:0]
	for _, p := range pairs {
		if p.key != key {
			out = append(out, p)
			continue
		}
		if found {
			continue
		}
		found = true
		if p.value == value {
			out = append(out, p)
		} else {
			out = append(out, queryPair{key: key, value: value})
		}
	}
	if !found {
		out = append(out, queryPair{key: key, value: value})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
