package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree is the JSON view of a Config that the dot-path accessors operate on.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return t, nil
}

func splitPath(path string) ([]string, error) {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return parts, nil
}

// GetByPath returns the value at a dot path such as "general.privacyMode"
// or "models.gpt-4o.provider".
func GetByPath(cfg *Config, path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = t
	for i, key := range parts {
		m, ok := node.(tree)
		if !ok {
			return nil, fmt.Errorf("%s is not a section", strings.Join(parts[:i], "."))
		}
		if node, ok = m[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return node, nil
}

// SetByPath assigns raw to the leaf at path. The string is coerced to the
// type the leaf already has, so "8080" stays a string for an address field
// and becomes a number for a counter. Missing keys inside map sections such
// as models or providers are created. The caller validates before saving.
func SetByPath(cfg *Config, path string, raw string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}

	parent := t
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			created := tree{}
			parent[key] = created
			parent = created
			continue
		}
		if parent, ok = child.(tree); !ok {
			return fmt.Errorf("%s is a value, not a section", key)
		}
	}

	leaf := parts[len(parts)-1]
	if current, ok := parent[leaf].(tree); ok && len(current) > 0 {
		return fmt.Errorf("%s is a section; set one of its keys instead", path)
	}
	value, err := coerce(parent[leaf], raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[leaf] = value

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = next
	return nil
}

func coerce(current any, raw string) (any, error) {
	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return f, nil
	case []any:
		if raw == "" {
			return []any{}, nil
		}
		var out []any
		for _, item := range strings.Split(raw, ",") {
			out = append(out, strings.TrimSpace(item))
		}
		return out, nil
	case string:
		return raw, nil
	}
	// New key: guess from the literal.
	if b, err := strconv.ParseBool(raw); err == nil {
		return b, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	return raw, nil
}

// Sanitize returns a copy with provider API keys masked. Unexpanded ${VAR}
// references are shown as written.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.APIKey != "" && !envVarPattern.MatchString(pc.APIKey) {
			pc.APIKey = mask(pc.APIKey)
		}
		out.Providers[name] = pc
	}
	return &out
}

func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dot paths and leaf values.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, m tree)
	walk = func(prefix string, m tree) {
		for k, v := range m {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if sub, ok := v.(tree); ok && len(sub) > 0 {
				walk(p, sub)
				continue
			}
			out[p] = v
		}
	}
	walk("", t)
	return out
}
