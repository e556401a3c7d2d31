// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// File keeps each namespace in its own CBOR document under a directory.
// Writes replace the document atomically, so a crash leaves either the old
// or the new contents.
type File struct {
	dir string
	enc cbor.EncMode

	mu    sync.Mutex
	cache map[string]map[string][]byte
}

// NewFile opens a file store rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, oops.In("store").With("dir", dir).Wrapf(err, "create store directory")
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, oops.In("store").Wrapf(err, "configure cbor encoder")
	}
	return &File{dir: dir, enc: enc, cache: make(map[string]map[string][]byte)}, nil
}

// Dir returns the directory holding the namespace documents.
func (f *File) Dir() string { return f.dir }

func (f *File) path(namespace string) (string, error) {
	if !namespacePattern.MatchString(namespace) || strings.Contains(namespace, "..") {
		return "", oops.In("store").Code(errutil.CodeValidation).With("namespace", namespace).
			Errorf("invalid storage namespace")
	}
	return filepath.Join(f.dir, namespace+".cbor"), nil
}

// load returns the namespace contents, reading them from disk once. The
// caller holds f.mu.
func (f *File) load(namespace string) (map[string][]byte, error) {
	if ns, ok := f.cache[namespace]; ok {
		return ns, nil
	}
	p, err := f.path(namespace)
	if err != nil {
		return nil, err
	}
	ns := make(map[string][]byte)
	data, err := os.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, oops.In("store").With("namespace", namespace).Wrapf(err, "read namespace")
	default:
		if err := cbor.Unmarshal(data, &ns); err != nil {
			return nil, oops.In("store").With("namespace", namespace).Wrapf(err, "decode namespace")
		}
	}
	f.cache[namespace] = ns
	return ns, nil
}

// flush writes the namespace document through a temporary file. The caller
// holds f.mu.
func (f *File) flush(namespace string, ns map[string][]byte) error {
	p, err := f.path(namespace)
	if err != nil {
		return err
	}
	if len(ns) == 0 {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return oops.In("store").With("namespace", namespace).Wrapf(err, "remove namespace")
		}
		return nil
	}
	data, err := f.enc.Marshal(ns)
	if err != nil {
		return oops.In("store").With("namespace", namespace).Wrapf(err, "encode namespace")
	}
	tmp, err := os.CreateTemp(f.dir, "."+namespace+"-*")
	if err != nil {
		return oops.In("store").With("namespace", namespace).Wrapf(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return oops.In("store").With("namespace", namespace).Wrapf(err, "write namespace")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return oops.In("store").With("namespace", namespace).Wrapf(err, "sync namespace")
	}
	if err := tmp.Close(); err != nil {
		return oops.In("store").With("namespace", namespace).Wrapf(err, "close namespace")
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return oops.In("store").With("namespace", namespace).Wrapf(err, "replace namespace")
	}
	return nil
}

// Get returns the stored value, or nil when key is absent.
func (f *File) Get(_ context.Context, namespace, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, err := f.load(namespace)
	if err != nil {
		return nil, err
	}
	v, ok := ns[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set stores value under key and persists the namespace.
func (f *File) Set(_ context.Context, namespace, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, err := f.load(namespace)
	if err != nil {
		return err
	}
	prev, had := ns[key]
	ns[key] = append([]byte(nil), value...)
	if err := f.flush(namespace, ns); err != nil {
		if had {
			ns[key] = prev
		} else {
			delete(ns, key)
		}
		return err
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (f *File) Delete(_ context.Context, namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, err := f.load(namespace)
	if err != nil {
		return err
	}
	prev, had := ns[key]
	if !had {
		return nil
	}
	delete(ns, key)
	if err := f.flush(namespace, ns); err != nil {
		ns[key] = prev
		return err
	}
	return nil
}

// List returns the sorted keys in namespace that start with prefix.
func (f *File) List(_ context.Context, namespace, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, err := f.load(namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
