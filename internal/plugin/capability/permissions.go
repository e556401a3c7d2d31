// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package capability

import (
	"sort"
	"strings"

	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// Category is a gated group of host operations.
type Category string

// Permission categories a manifest may request.
const (
	CategoryFS      Category = "fs"
	CategoryNetwork Category = "network"
	CategoryStorage Category = "storage"
	CategoryEvents  Category = "events"
)

// PermissionAll grants every category.
const PermissionAll = "all"

// Gated operations. The call-time check in hostfunc uses these names.
const (
	OpFSRead          = "fs.read"
	OpFSWrite         = "fs.write"
	OpNetworkRequest  = "network.request"
	OpStorageRead     = "storage.read"
	OpStorageWrite    = "storage.write"
	OpEventsEmit      = "events.emit"
	OpEventsSubscribe = "events.subscribe"
)

var categoryOps = map[Category][]string{
	CategoryFS:      {OpFSRead, OpFSWrite},
	CategoryNetwork: {OpNetworkRequest},
	CategoryStorage: {OpStorageRead, OpStorageWrite},
	CategoryEvents:  {OpEventsEmit, OpEventsSubscribe},
}

// Categories returns every gated category in a stable order.
func Categories() []Category {
	return []Category{CategoryFS, CategoryNetwork, CategoryStorage, CategoryEvents}
}

// Ops returns the operations belonging to the category.
func (c Category) Ops() []string {
	return categoryOps[c]
}

// RiskLevel rates how much host access a permission hands a guest.
type RiskLevel int

// Risk levels in increasing order.
const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the level by name.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

var permissionRisk = map[string]RiskLevel{
	PermissionAll:           RiskCritical,
	string(CategoryFS):      RiskHigh,
	OpFSRead:                RiskMedium,
	OpFSWrite:               RiskHigh,
	string(CategoryNetwork): RiskHigh,
	OpNetworkRequest:        RiskHigh,
	string(CategoryStorage): RiskLow,
	OpStorageRead:           RiskLow,
	OpStorageWrite:          RiskLow,
	string(CategoryEvents):  RiskMedium,
	OpEventsEmit:            RiskLow,
	OpEventsSubscribe:       RiskMedium,
}

// Risk returns the risk rating of a permission. Unknown permissions rate
// critical.
func Risk(permission string) RiskLevel {
	if r, ok := permissionRisk[permission]; ok {
		return r
	}
	return RiskCritical
}

// ValidatePermission accepts "all", a category name, or a single operation.
func ValidatePermission(permission string) error {
	if _, ok := permissionRisk[permission]; ok {
		return nil
	}
	return oops.In("capability").Code(errutil.CodeValidation).
		With("permission", permission).
		Hint("valid permissions: all, fs, network, storage, events, or an operation such as fs.read").
		Errorf("unknown permission %q", permission)
}

// Patterns converts manifest permissions into enforcer glob patterns.
// The result is deduplicated and sorted.
func Patterns(permissions []string) ([]string, error) {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if err := ValidatePermission(p); err != nil {
			return nil, err
		}
		switch {
		case p == PermissionAll:
			set["**"] = struct{}{}
		case strings.Contains(p, "."):
			set[p] = struct{}{}
		default:
			set[p+".*"] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Permissions returns every permission name a manifest may request, sorted.
func Permissions() []string {
	out := make([]string, 0, len(permissionRisk))
	for p := range permissionRisk {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
