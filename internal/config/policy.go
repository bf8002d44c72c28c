package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"cmdmanager/internal/protocol"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk YAML form of a policy. Zero fields keep the
// base value.
type policyFile struct {
	DenyChars           string        `yaml:"deny_chars"`
	InteractivePrograms []string      `yaml:"interactive_programs"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	LongTimeout         time.Duration `yaml:"long_timeout"`
}

// LoadPolicyFile reads a YAML policy file and overlays it on base.
func LoadPolicyFile(path string, base protocol.Policy) (protocol.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return base, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if pf.DefaultTimeout < 0 || pf.LongTimeout < 0 {
		return base, fmt.Errorf("policy file %s: negative timeout", path)
	}

	p := base
	p.InteractivePrograms = append([]string(nil), base.InteractivePrograms...)
	if pf.DenyChars != "" {
		p.DenyChars = pf.DenyChars
	}
	if len(pf.InteractivePrograms) > 0 {
		p.InteractivePrograms = pf.InteractivePrograms
	}
	if pf.DefaultTimeout > 0 {
		p.DefaultTimeout = pf.DefaultTimeout
	}
	if pf.LongTimeout > 0 {
		p.LongTimeout = pf.LongTimeout
	}
	return p, nil
}

// PolicyStore publishes the current policy to session workers. Workers call
// Load once per session, so a reload never changes a running session.
type PolicyStore struct {
	base    protocol.Policy
	current atomic.Pointer[protocol.Policy]
}

// NewPolicyStore creates a store holding base.
func NewPolicyStore(base protocol.Policy) *PolicyStore {
	ps := &PolicyStore{base: base}
	ps.current.Store(&base)
	return ps
}

// Load returns the current policy.
func (ps *PolicyStore) Load() protocol.Policy {
	return *ps.current.Load()
}

// Reload re-reads path and publishes the result. On error the previous
// policy stays in effect.
func (ps *PolicyStore) Reload(path string) (protocol.Policy, error) {
	p, err := LoadPolicyFile(path, ps.base)
	if err != nil {
		return ps.Load(), err
	}
	ps.current.Store(&p)
	return p, nil
}
