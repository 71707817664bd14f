package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownPath is returned for a dot path that names no config field.
var ErrUnknownPath = errors.New("unknown config path")

type maskStyle int

const (
	maskPartial maskStyle = iota // tokens keep their first and last 4 chars
	maskFull
)

// secretPaths are masked by Sanitize. Anything added to the config that holds
// a credential belongs here.
var secretPaths = map[string]maskStyle{
	"notify.telegram.token":    maskPartial,
	"notify.slack.botToken":    maskPartial,
	"notify.discord.token":     maskPartial,
	"notify.webhook.secret":    maskFull,
	"server.auth.passwordHash": maskFull,
}

// passwordPath is write-only: setting it stores the SHA-256 hex of the value
// in server.auth.passwordHash.
const passwordPath = "server.auth.password"

// tree is the config as generic JSON, the form dot paths address.
type tree map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t tree) into(cfg *Config) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*cfg = out
	return nil
}

// parent walks to the map holding the last element of path.
func (t tree) parent(path string) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	m := map[string]any(t)
	for _, key := range parts[:len(parts)-1] {
		child, ok := m[key].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
		m = child
	}
	return m, parts[len(parts)-1], nil
}

// GetByPath returns the value at a dot path such as "gate.maxConcurrent".
// A section path returns the whole section.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	m, key, err := t.parent(path)
	if err != nil {
		return nil, err
	}
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return v, nil
}

// SetByPath parses value as the type of the field at path and stores it.
// Only existing fields can be set; lists take a comma-separated value.
// The config is unchanged on error. Callers run Validate before saving.
func SetByPath(cfg *Config, path, value string) error {
	if path == passwordPath {
		sum := sha256.Sum256([]byte(value))
		cfg.Server.Auth.PasswordHash = hex.EncodeToString(sum[:])
		return nil
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}
	m, key, err := t.parent(path)
	if err != nil {
		return err
	}
	current, ok := m[key]
	if !ok {
		if !optionalLeaf(path) {
			return fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
		current = ""
	}
	v, err := coerce(current, value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	m[key] = v
	return t.into(cfg)
}

// optionalLeaf reports whether path is an omitempty string field, absent
// from the tree while unset.
func optionalLeaf(path string) bool {
	switch path {
	case "general.logFile", "analyzer.rulesFile", "server.webSocketPath", "notify.webhook.secret":
		return true
	}
	return false
}

func coerce(current any, s string) (any, error) {
	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("want true or false, got %q", s)
		}
		return b, nil
	case float64:
		// every numeric setting is an integer
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("want a whole number, got %q", s)
		}
		return n, nil
	case []any, nil:
		if s == "" {
			return []any{}, nil
		}
		var list []any
		for _, item := range strings.Split(s, ",") {
			list = append(list, strings.TrimSpace(item))
		}
		return list, nil
	case map[string]any:
		return nil, errors.New("cannot set a whole section")
	}
	return s, nil
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	t, err := toTree(cfg)
	if err != nil {
		return &Config{}
	}
	for path, style := range secretPaths {
		m, key, err := t.parent(path)
		if err != nil {
			continue
		}
		if s, ok := m[key].(string); ok && s != "" {
			m[key] = mask(s, style)
		}
	}
	var out Config
	if err := t.into(&out); err != nil {
		return &Config{}
	}
	return &out
}

func mask(s string, style maskStyle) string {
	if style == maskFull || len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", t, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(path, sub, out)
			continue
		}
		out[path] = v
	}
}
