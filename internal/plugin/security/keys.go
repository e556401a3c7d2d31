// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"golang.org/x/crypto/ssh"

	"github.com/sandhost/sandhost/pkg/errutil"
)

// Key file names written by WriteKeyPair.
const (
	PrivateKeyFile = "signing_key"
	PublicKeyFile  = "signing_key.pub"
)

// GenerateKeyPair creates an ed25519 key pair for plugin signing.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, oops.In("security").Code(errutil.CodeSecurity).Wrapf(err, "generate key pair")
	}
	return pub, priv, nil
}

// MarshalPrivateKey encodes priv as an OpenSSH PEM block.
func MarshalPrivateKey(priv ed25519.PrivateKey, comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, oops.In("security").Code(errutil.CodeSecurity).Wrapf(err, "marshal private key")
	}
	return pem.EncodeToMemory(block), nil
}

// MarshalPublicKey encodes pub in authorized_keys format.
func MarshalPublicKey(pub ed25519.PublicKey) ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, oops.In("security").Code(errutil.CodeSecurity).Wrapf(err, "marshal public key")
	}
	return ssh.MarshalAuthorizedKey(sshPub), nil
}

// ParsePrivateKey decodes an unencrypted OpenSSH ed25519 private key.
func ParsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, oops.In("security").Code(errutil.CodeSecurity).Wrapf(err, "parse private key")
	}
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	default:
		return nil, oops.In("security").Code(errutil.CodeSecurity).With("type", fmt.Sprintf("%T", raw)).Errorf("signing key must be ed25519")
	}
}

// ParsePublicKey decodes an authorized_keys line holding an ed25519 key.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	sshPub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, oops.In("security").Code(errutil.CodeSecurity).Wrapf(err, "parse public key")
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, oops.In("security").Code(errutil.CodeSecurity).Errorf("public key type %s is not supported", sshPub.Type())
	}
	pub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, oops.In("security").Code(errutil.CodeSecurity).Errorf("public key type %s is not ed25519", sshPub.Type())
	}
	return pub, nil
}

// LoadPrivateKey reads a private key file written by WriteKeyPair.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("security").Code(errutil.CodeSecurity).With("path", path).Wrapf(err, "read private key")
	}
	return ParsePrivateKey(data)
}

// LoadPublicKey reads a trusted public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("security").Code(errutil.CodeSecurity).With("path", path).Wrapf(err, "read public key")
	}
	return ParsePublicKey(data)
}

// WriteKeyPair writes the private key (0600) and public key (0644) into dir
// and returns their paths. Existing files are not overwritten.
func WriteKeyPair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey, comment string) (privPath, pubPath string, err error) {
	privPEM, err := MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", "", err
	}
	pubLine, err := MarshalPublicKey(pub)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", oops.In("security").With("dir", dir).Wrapf(err, "create key directory")
	}

	privPath = filepath.Join(dir, PrivateKeyFile)
	pubPath = filepath.Join(dir, PublicKeyFile)
	if err := writeExclusive(privPath, privPEM, 0o600); err != nil {
		return "", "", err
	}
	if err := writeExclusive(pubPath, pubLine, 0o644); err != nil { //nolint:gosec // public key is meant to be shared
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return oops.In("security").With("path", path).Wrapf(err, "create key file")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return oops.In("security").With("path", path).Wrapf(err, "write key file")
	}
	if err := f.Close(); err != nil {
		return oops.In("security").With("path", path).Wrapf(err, "close key file")
	}
	return nil
}
