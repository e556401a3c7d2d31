// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package capability

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// HostPolicy decides which hostnames the network capability may reach.
// Patterns are globs with '.' as separator, so "*.example.com" matches
// "api.example.com" but not "example.com" or "a.b.example.com".
// The deny list wins over the allow list. An empty allow list allows any
// host not denied.
type HostPolicy struct {
	allow []glob.Glob
	deny  []glob.Glob
}

// NewHostPolicy compiles allow and deny host patterns.
func NewHostPolicy(allow, deny []string) (*HostPolicy, error) {
	a, err := compileHosts(allow)
	if err != nil {
		return nil, err
	}
	d, err := compileHosts(deny)
	if err != nil {
		return nil, err
	}
	return &HostPolicy{allow: a, deny: d}, nil
}

func compileHosts(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, oops.In("capability").Code(errutil.CodeValidation).
				With("pattern", p).Wrapf(err, "compile host pattern")
		}
		out = append(out, g)
	}
	return out, nil
}

// Allowed reports whether host may be contacted.
func (p *HostPolicy) Allowed(host string) bool {
	if p == nil {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, g := range p.deny {
		if g.Match(host) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, g := range p.allow {
		if g.Match(host) {
			return true
		}
	}
	return false
}
