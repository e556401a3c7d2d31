// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"sort"
	"strings"

	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

type color uint8

const (
	white color = iota // not visited
	gray               // on the current DFS path
	black              // finished
)

type dfsFrame struct {
	id   string
	next int
}

// OrderByDependencies sorts manifests so every plugin comes after the
// plugins it depends on. Plugins that take part in a dependency cycle are
// left out of the order and returned in failed with a DEPENDENCY_ERROR.
// Dependencies on ids outside the set are ignored here; Load reports them.
//
// The traversal is iterative and visits ids in sorted order, so the result
// is deterministic and adversarial graphs cannot exhaust the stack.
func OrderByDependencies(manifests []*Manifest) (ordered []*Manifest, failed map[string]error) {
	byID := make(map[string]*Manifest, len(manifests))
	ids := make([]string, 0, len(manifests))
	for _, m := range manifests {
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	colors := make(map[string]color, len(ids))
	cycles := make(map[string][]string)
	order := make([]*Manifest, 0, len(ids))

	for _, root := range ids {
		if colors[root] != white {
			continue
		}
		colors[root] = gray
		stack := []dfsFrame{{id: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := byID[top.id].DependencyIDs()
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				if _, known := byID[dep]; !known {
					continue
				}
				switch colors[dep] {
				case white:
					colors[dep] = gray
					stack = append(stack, dfsFrame{id: dep})
				case gray:
					markCycle(stack, dep, cycles)
				}
				continue
			}

			colors[top.id] = black
			order = append(order, byID[top.id])
			stack = stack[:len(stack)-1]
		}
	}

	failed = make(map[string]error, len(cycles))
	for id, path := range cycles {
		failed[id] = oops.In("loader").Code(errutil.CodeDependency).With("plugin", id).
			With("cycle", path).Errorf("circular dependency: %s", strings.Join(path, " -> "))
	}

	ordered = make([]*Manifest, 0, len(order))
	for _, m := range order {
		if _, bad := failed[m.ID]; !bad {
			ordered = append(ordered, m)
		}
	}
	return ordered, failed
}

// markCycle records the cycle closed by the back edge to dep. The path runs
// from dep along the DFS stack and back to dep.
func markCycle(stack []dfsFrame, dep string, cycles map[string][]string) {
	start := len(stack) - 1
	for start > 0 && stack[start].id != dep {
		start--
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	path = append(path, dep)

	for _, f := range stack[start:] {
		if _, seen := cycles[f.id]; !seen {
			cycles[f.id] = path
		}
	}
}

// dependents returns the ids of registered plugins that declare id as a
// dependency and are loading or still hold a sandbox. The caller holds the
// loader lock.
func dependents(plugins map[string]*Plugin, id string) []string {
	var out []string
	for other, p := range plugins {
		if other == id || (p.sandbox == nil && p.Status != StatusLoading) {
			continue
		}
		for _, dep := range p.Manifest.DependencyIDs() {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
