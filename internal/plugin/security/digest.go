// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

// Package security signs plugin directories, verifies signatures against a
// trusted key, and statically scans guest source for hostile patterns.
//
// The scanner is a best-effort denylist. It is not a security boundary: the
// capability table handed to each sandbox is what prevents host access.
package security

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/blake2b"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// SignatureFile is the signature sidecar inside a plugin directory.
// It is excluded from the directory digest.
const SignatureFile = "plugin.sig"

// HashSource returns the hex blake2b-256 digest of a single source file.
func HashSource(code []byte) string {
	sum := blake2b.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// DigestDir computes a deterministic digest over every regular file in dir.
// Files are ordered by slash-separated relative path; each contributes its
// path, a NUL, its length and its own blake2b-256 sum. Dot files, dot
// directories and the signature sidecar are skipped. Symlinks are rejected
// because their targets would escape the digest.
func DigestDir(dir string) ([]byte, error) {
	return DigestDirWith(dir, nil)
}

// DigestDirWith is DigestDir with some files taken from memory. pinned maps
// slash-separated relative paths to the bytes hashed in place of the file
// on disk, so the digest covers exactly the content a caller already read.
// Every pinned path must exist in the directory.
func DigestDirWith(dir string, pinned map[string][]byte) ([]byte, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, oops.In("security").Code(errutil.CodeSecurity).With("dir", dir).Wrapf(err, "resolve plugin directory")
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return oops.In("security").Code(errutil.CodeSecurity).With("path", path).Errorf("plugin directory contains a symlink")
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == SignatureFile {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		if errutil.CodeOf(err) != "" {
			return nil, err
		}
		return nil, oops.In("security").Code(errutil.CodeSecurity).With("dir", dir).Wrapf(err, "walk plugin directory")
	}
	sort.Strings(files)

	for rel := range pinned {
		i := sort.SearchStrings(files, rel)
		if i == len(files) || files[i] != rel {
			return nil, oops.In("security").Code(errutil.CodeSecurity).With("file", rel).
				Errorf("file %s is not a regular file of the plugin directory", rel)
		}
	}

	outer, err := blake2b.New256(nil)
	if err != nil {
		return nil, oops.In("security").Wrapf(err, "init digest")
	}
	var lenBuf [8]byte
	for _, rel := range files {
		var (
			sum  []byte
			size int64
		)
		if data, ok := pinned[rel]; ok {
			h := blake2b.Sum256(data)
			sum, size = h[:], int64(len(data))
		} else {
			sum, size, err = hashFile(filepath.Join(root, filepath.FromSlash(rel)))
		}
		if err != nil {
			return nil, oops.In("security").Code(errutil.CodeSecurity).With("file", rel).Wrapf(err, "hash plugin file")
		}
		binary.BigEndian.PutUint64(lenBuf[:], uint64(size)) //nolint:gosec // sizes are non-negative
		_, _ = outer.Write([]byte(rel))
		_, _ = outer.Write([]byte{0})
		_, _ = outer.Write(lenBuf[:])
		_, _ = outer.Write(sum)
	}
	return outer.Sum(nil), nil
}

func hashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}
