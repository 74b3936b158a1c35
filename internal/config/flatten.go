package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Key describes one dot-path setting of Config.
type Key struct {
	Path   string
	Kind   reflect.Kind
	Secret bool
}

var keys = sync.OnceValue(func() map[string]Key {
	out := make(map[string]Key)
	walkKeys("", reflect.TypeOf(Config{}), out)
	return out
})

// walkKeys records every leaf field of t under its JSON name. Fields tagged
// secret:"true" are masked when listed.
func walkKeys(prefix string, t reflect.Type, out map[string]Key) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			walkKeys(name, f.Type, out)
			continue
		}
		out[name] = Key{Path: name, Kind: f.Type.Kind(), Secret: f.Tag.Get("secret") == "true"}
	}
}

// Keys returns the known settings sorted by path.
func Keys() []Key {
	all := keys()
	out := make([]Key, 0, len(all))
	for _, k := range all {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// LookupKey returns the setting at path, if Config has one.
func LookupKey(path string) (Key, bool) {
	k, ok := keys()[path]
	return k, ok
}

// IsSecretKey reports whether the value at path is a credential.
func IsSecretKey(path string) bool {
	return keys()[path].Secret
}

// ParseValue converts raw into the type the setting at path holds. Keys
// outside Config keep the loose rule: JSON if it parses, else the string.
func ParseValue(path, raw string) (any, error) {
	k, ok := LookupKey(path)
	if !ok {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return raw, nil
		}
		return v, nil
	}
	switch k.Kind {
	case reflect.Int, reflect.Int64:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer, got %q", path, raw)
		}
		return n, nil
	case reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%s expects a number, got %q", path, raw)
		}
		return f, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false, got %q", path, raw)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// Flatten turns a decoded config document into path → value.
// {"server": {"url": "ws://x"}} becomes {"server.url": "ws://x"}.
// Empty sections vanish.
func Flatten(doc map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for name, v := range node {
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			if child, ok := v.(map[string]any); ok {
				walk(path, child)
				continue
			}
			out[path] = v
		}
	}
	walk("", doc)
	return out
}

// Unflatten rebuilds the nested document Flatten produced. A scalar in the
// way of a deeper path is replaced by a section.
func Unflatten(flat map[string]any) map[string]any {
	doc := make(map[string]any)
	for path, v := range flat {
		node := doc
		rest := path
		for {
			head, tail, nested := strings.Cut(rest, ".")
			if !nested {
				node[head] = v
				break
			}
			child, ok := node[head].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[head] = child
			}
			node, rest = child, tail
		}
	}
	return doc
}

// MaskSecrets returns a copy of flat with credentials reduced to "***"
// plus their last four characters. Empty and non-string values pass
// through.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for path, v := range flat {
		s, ok := v.(string)
		if !IsSecretKey(path) || !ok || s == "" {
			out[path] = v
			continue
		}
		out[path] = "***" + s[max(0, len(s)-4):]
	}
	return out
}
