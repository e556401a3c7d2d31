// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package security_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/pkg/errutil"
)

func writePluginDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return dir
}

func TestHashSource(t *testing.T) {
	a := security.HashSource([]byte("return 1"))
	b := security.HashSource([]byte("return 1"))
	c := security.HashSource([]byte("return 2"))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDigestDir(t *testing.T) {
	files := map[string]string{
		"plugin.yaml":   "id: echo\n",
		"main.lua":      "return {}\n",
		"lib/util.lua":  "local x = 1\n",
		".git/HEAD":     "ref: main\n",
		".editorconfig": "root = true\n",
	}

	t.Run("deterministic", func(t *testing.T) {
		d1, err := security.DigestDir(writePluginDir(t, files))
		require.NoError(t, err)
		d2, err := security.DigestDir(writePluginDir(t, files))
		require.NoError(t, err)
		assert.Equal(t, d1, d2)
		assert.Len(t, d1, 32)
	})

	t.Run("content change alters digest", func(t *testing.T) {
		dir := writePluginDir(t, files)
		before, err := security.DigestDir(dir)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("return {x=1}\n"), 0o600))
		after, err := security.DigestDir(dir)
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})

	t.Run("rename alters digest", func(t *testing.T) {
		dir := writePluginDir(t, files)
		before, err := security.DigestDir(dir)
		require.NoError(t, err)

		require.NoError(t, os.Rename(filepath.Join(dir, "lib", "util.lua"), filepath.Join(dir, "lib", "helpers.lua")))
		after, err := security.DigestDir(dir)
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})

	t.Run("ignores dot entries and signature", func(t *testing.T) {
		dir := writePluginDir(t, files)
		before, err := security.DigestDir(dir)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, security.SignatureFile), []byte("sig"), 0o600))
		after, err := security.DigestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("rejects symlinks", func(t *testing.T) {
		dir := writePluginDir(t, files)
		require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(dir, "passwd")))

		_, err := security.DigestDir(dir)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, errutil.CodeSecurity)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := security.DigestDir(filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
	})
}

func TestDigestDirWith(t *testing.T) {
	files := map[string]string{
		"plugin.yaml": "id: echo\n",
		"main.lua":    "return {}\n",
	}
	dir := writePluginDir(t, files)
	onDisk, err := security.DigestDir(dir)
	require.NoError(t, err)

	t.Run("pinned bytes equal to disk", func(t *testing.T) {
		got, err := security.DigestDirWith(dir, map[string][]byte{"main.lua": []byte(files["main.lua"])})
		require.NoError(t, err)
		assert.Equal(t, onDisk, got)
	})

	t.Run("pinned bytes replace disk content", func(t *testing.T) {
		swapped, err := security.DigestDirWith(dir, map[string][]byte{"main.lua": []byte("return {x=1}\n")})
		require.NoError(t, err)
		assert.NotEqual(t, onDisk, swapped)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("return {x=1}\n"), 0o600))
		changed, err := security.DigestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, changed, swapped)
	})

	t.Run("pinned path must exist", func(t *testing.T) {
		_, err := security.DigestDirWith(dir, map[string][]byte{"other.lua": []byte("x")})
		errutil.AssertErrorCode(t, err, errutil.CodeSecurity)
	})
}
