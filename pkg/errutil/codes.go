// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package errutil holds the error taxonomy shared by the plugin host and
// helpers for logging and asserting oops errors.
package errutil

import (
	"github.com/samber/oops"
)

// Error codes attached to oops errors. Every failure that crosses a package
// boundary carries exactly one of these.
const (
	// CodeValidation marks a malformed manifest. Raised before any plugin code runs.
	CodeValidation = "VALIDATION_ERROR"
	// CodeSecurity marks a failed static scan or signature check.
	CodeSecurity = "SECURITY_ERROR"
	// CodePermission marks a guest call to a capability it was not granted.
	CodePermission = "PERMISSION_DENIED"
	// CodeTimeout marks a guest call that exceeded its deadline.
	CodeTimeout = "TIMEOUT"
	// CodeDependency marks a missing, mismatched or circular dependency.
	CodeDependency = "DEPENDENCY_ERROR"
	// CodeRuntime marks an error raised by guest code.
	CodeRuntime = "RUNTIME_ERROR"

	CodeNotFound         = "PLUGIN_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeFunctionNotFound = "FUNCTION_NOT_FOUND"
	CodeSandboxClosed    = "SANDBOX_CLOSED"
	CodeResourceLimit    = "RESOURCE_LIMIT"
)

// CodeOf returns the oops code of err, or "" when err carries none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := any(oopsErr.Code()).(string)
	return code
}

// HasCode reports whether err carries the given oops code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
