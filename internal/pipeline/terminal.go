package pipeline

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"

	"coreastra/internal/config"
	"coreastra/internal/domain"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// terminal is the persistent shell context: the working directory and the
// environment overrides used by every session that does not bring its own.
type terminal struct {
	mu  sync.RWMutex
	dir string
	env map[string]string
}

func newTerminal(dir string) *terminal {
	return &terminal{dir: dir, env: make(map[string]string)}
}

// Dir returns the terminal's current working directory.
func (c *Coordinator) Dir() string {
	c.term.mu.RLock()
	defer c.term.mu.RUnlock()
	return c.term.dir
}

// ChangeDir moves the terminal to path, resolved against the current
// directory with symlinks evaluated. The directory is unchanged on error.
func (c *Coordinator) ChangeDir(path string) (string, error) {
	c.term.mu.Lock()
	defer c.term.mu.Unlock()

	target := config.ExpandPath(path)
	if target == "" {
		target = "."
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(c.term.dir, target)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(target))
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidCwd, target)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidCwd, resolved)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: not a directory: %s", domain.ErrInvalidCwd, resolved)
	}

	c.term.dir = resolved
	c.logger.Info("terminal directory changed", "dir", resolved)
	return resolved, nil
}

// SetEnv sets a variable for every later session. An empty value is kept
// as an empty variable; use UnsetEnv to drop it.
func (c *Coordinator) SetEnv(key, value string) error {
	if !envName.MatchString(key) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidEnv, key)
	}
	c.term.mu.Lock()
	c.term.env[key] = value
	c.term.mu.Unlock()
	c.logger.Info("terminal environment set", "key", key)
	return nil
}

// UnsetEnv removes a variable set with SetEnv.
func (c *Coordinator) UnsetEnv(key string) {
	c.term.mu.Lock()
	delete(c.term.env, key)
	c.term.mu.Unlock()
}

// Env returns a copy of the terminal's environment overrides.
func (c *Coordinator) Env() map[string]string {
	c.term.mu.RLock()
	defer c.term.mu.RUnlock()
	return maps.Clone(c.term.env)
}

// environ merges the terminal overrides with a request's own variables,
// the request winning, as sorted KEY=VALUE pairs.
func (c *Coordinator) environ(extra map[string]string) ([]string, error) {
	for k := range extra {
		if !envName.MatchString(k) {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidEnv, k)
		}
	}
	merged := c.Env()
	maps.Copy(merged, extra)
	if len(merged) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		out = append(out, k+"="+merged[k])
	}
	return out, nil
}
