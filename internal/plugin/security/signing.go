// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// signingContext separates plugin signatures from any other use of the key.
const signingContext = "sandhost-plugin-v1\x00"

func signedMessage(digest []byte) []byte {
	msg := make([]byte, 0, len(signingContext)+len(digest))
	msg = append(msg, signingContext...)
	return append(msg, digest...)
}

// SignDigest signs a directory digest and returns the base64 signature.
func SignDigest(digest []byte, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", oops.In("security").Code(errutil.CodeSecurity).Errorf("invalid private key length %d", len(priv))
	}
	sig := ed25519.Sign(priv, signedMessage(digest))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Sign digests the plugin directory and signs the result.
func Sign(dir string, priv ed25519.PrivateKey) (string, error) {
	digest, err := DigestDir(dir)
	if err != nil {
		return "", err
	}
	return SignDigest(digest, priv)
}

// Verify reports whether signature is a valid signature of digest by pub.
// A missing or malformed signature, a key of the wrong size, or any
// mismatch yields false.
func Verify(digest []byte, signature string, pub ed25519.PublicKey) bool {
	if signature == "" || len(pub) != ed25519.PublicKeySize || len(digest) == 0 {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, signedMessage(digest), sig)
}

// VerifyDir recomputes the digest of dir and checks its sidecar signature.
func VerifyDir(dir string, pub ed25519.PublicKey) (bool, error) {
	sig, err := ReadSignature(dir)
	if err != nil {
		return false, err
	}
	digest, err := DigestDir(dir)
	if err != nil {
		return false, err
	}
	return Verify(digest, sig, pub), nil
}

// ReadSignature returns the sidecar signature of dir, or "" when absent.
func ReadSignature(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, SignatureFile)) //nolint:gosec // fixed file name under the plugin dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", oops.In("security").Code(errutil.CodeSecurity).With("dir", dir).Wrapf(err, "read signature")
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteSignature stores signature as the sidecar of dir.
func WriteSignature(dir, signature string) error {
	path := filepath.Join(dir, SignatureFile)
	if err := os.WriteFile(path, []byte(signature+"\n"), 0o644); err != nil { //nolint:gosec // signatures are public
		return oops.In("security").With("path", path).Wrapf(err, "write signature")
	}
	return nil
}
