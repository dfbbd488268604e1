// Package policy decides whether a skill invocation may reach a network
// host, a filesystem path, or a named capability.
package policy

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface skills and the MCP gateway consult before
// touching the outside world.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowCapability(capability string) bool
	AllowPath(path string) bool
	AllowProgram(name string) bool
	PolicyVersion() string
}

// Policy is the declarative allow-list loaded from policy.yaml.
type Policy struct {
	AllowDomains      []string `yaml:"allow_domains"`
	AllowPaths        []string `yaml:"allow_paths"`
	AllowPrograms     []string `yaml:"allow_programs"`
	AllowCapabilities []string `yaml:"allow_capabilities"`
	AllowLoopback     bool     `yaml:"allow_loopback"`
}

var knownCapabilities = map[string]struct{}{
	"tools.read_url":      {},
	"tools.read_file":     {},
	"tools.write_file":    {},
	"tools.exec":          {},
	"tools.spawn_task":    {},
	"tools.mcp":           {},
	"skill.wasm.net":      {},
	"skill.wasm.kv":       {},
	"skill.wasm.fs":       {},
	"skill.shell.run":     {},
	"skill.shell.danger":  {},
	"confirmation.notify": {},
}

// KnownCapabilities reports whether a capability string is one this
// build recognizes at all, independent of whether it is allowed.
func KnownCapabilities(cap string) bool {
	_, ok := knownCapabilities[cap]
	return ok
}

// Default returns the empty policy used when no policy.yaml exists: it
// allows no capability, domain or program, while AllowPath treats its
// empty path list as permissive.
func Default() Policy {
	return Policy{}
}

// Load reads and validates a policy.yaml file.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	return p, nil
}

// LivePolicy is a Checker backed by a Policy value plus a version stamp
// (typically a content hash of the source file, used for audit entries).
// Reload lets the config watcher hot-swap the policy without a restart,
// so every check takes the read lock rather than reading fields directly.
type LivePolicy struct {
	mu      sync.RWMutex
	policy  Policy
	version string
}

// NewLivePolicy wraps a Policy value as a Checker.
func NewLivePolicy(p Policy, version string) *LivePolicy {
	return &LivePolicy{policy: p, version: version}
}

// Reload replaces the live policy and version stamp. The previous policy
// stays in effect until this returns, so a failed policy.yaml parse
// upstream never has to touch the live checker at all.
func (l *LivePolicy) Reload(p Policy, version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = p
	l.version = version
}

func (l *LivePolicy) PolicyVersion() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.version == "" {
		return "unversioned"
	}
	return l.version
}

func (l *LivePolicy) AllowCapability(capability string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.policy.AllowCapabilities) == 0 {
		return false
	}
	for _, c := range l.policy.AllowCapabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (l *LivePolicy) AllowHTTPURL(raw string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if isLoopbackHost(host) && !l.policy.AllowLoopback {
		return false
	}
	if len(l.policy.AllowDomains) == 0 {
		return false
	}
	for _, domain := range l.policy.AllowDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AllowProgram reports whether name may be exec'd directly by a shell-like
// skill. The match is literal against the configured allow-list: unlike
// AllowPath's empty-list-is-permissive default, an empty allow-list here
// denies every program, since spec.md's sandbox contract makes the
// allow-list unconditional rather than an opt-in hardening step.
func (l *LivePolicy) AllowProgram(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.policy.AllowPrograms {
		if p == name {
			return true
		}
	}
	return false
}

// AllowPath reports whether path, once canonicalized, stays within one of
// the configured allow-listed roots. An empty allow-list list is
// permissive for backward compatibility with unconfigured deployments.
func (l *LivePolicy) AllowPath(path string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.policy.AllowPaths) == 0 {
		return true
	}
	resolved, err := canonicalize(path)
	if err != nil {
		return false
	}
	for _, root := range l.policy.AllowPaths {
		rroot, err := canonicalize(root)
		if err != nil {
			continue
		}
		if resolved == rroot || strings.HasPrefix(resolved, rroot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// canonicalize resolves symlinks so a skill cannot escape its allowed
// root through a symlink pointing outside it. If the path does not exist
// yet (a file about to be created), it resolves the parent directory
// instead and rejoins the leaf name.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}
