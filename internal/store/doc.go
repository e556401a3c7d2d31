// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package store provides the key-value backends behind the plugin storage
// capability. Every backend keeps one namespace per plugin; keys in one
// namespace are invisible from every other.
package store
