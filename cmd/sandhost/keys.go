// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package main

import (
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sandhost/sandhost/internal/plugin"
	"github.com/sandhost/sandhost/internal/plugin/security"
	"github.com/sandhost/sandhost/internal/xdg"
	"github.com/sandhost/sandhost/pkg/errutil"
)

type keygenConfig struct {
	outDir  string
	comment string
}

func newKeygenCmd() *cobra.Command {
	cfg := &keygenConfig{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 plugin signing key pair",
		Long: `Generate an ed25519 key pair. The private key is written as an OpenSSH
PEM file (0600) and the public key in authorized_keys format. Existing
keys are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeygen(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.outDir, "out", "", "output directory (default: XDG_CONFIG_HOME/sandhost/keys)")
	cmd.Flags().StringVar(&cfg.comment, "comment", "sandhost plugin signing key", "key comment")

	return cmd
}

func runKeygen(cmd *cobra.Command, cfg *keygenConfig) error {
	dir := cfg.outDir
	if dir == "" {
		dir = xdg.KeysDir()
	}
	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return err
	}
	privPath, pubPath, err := security.WriteKeyPair(dir, pub, priv, cfg.comment)
	if err != nil {
		return err
	}
	cmd.Printf("Private key: %s\n", privPath)
	cmd.Printf("Public key:  %s\n", pubPath)
	return nil
}

type signConfig struct {
	keyPath string
}

func newSignCmd() *cobra.Command {
	cfg := &signConfig{}

	cmd := &cobra.Command{
		Use:   "sign <plugin-dir>",
		Short: "Sign a plugin directory",
		Long: `Validate the plugin manifest, digest the plugin directory and write the
ed25519 signature to plugin.sig inside it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, cfg, args[0])
		},
	}

	cmd.Flags().StringVar(&cfg.keyPath, "key", "", "private key path (default: XDG_CONFIG_HOME/sandhost/keys/signing_key)")

	return cmd
}

func runSign(cmd *cobra.Command, cfg *signConfig, dir string) error {
	keyPath := cfg.keyPath
	if keyPath == "" {
		keyPath = filepath.Join(xdg.KeysDir(), security.PrivateKeyFile)
	}
	priv, err := security.LoadPrivateKey(keyPath)
	if err != nil {
		return err
	}
	m, err := plugin.ReadManifest(dir)
	if err != nil {
		return err
	}
	sig, err := security.Sign(dir, priv)
	if err != nil {
		return err
	}
	if err := security.WriteSignature(dir, sig); err != nil {
		return err
	}
	cmd.Printf("Signed %s@%s\n", m.ID, m.Version)
	return nil
}

type verifyConfig struct {
	pubPath string
}

func newVerifyCmd() *cobra.Command {
	cfg := &verifyConfig{}

	cmd := &cobra.Command{
		Use:   "verify <plugin-dir>",
		Short: "Check a plugin directory against its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, cfg, args[0])
		},
	}

	cmd.Flags().StringVar(&cfg.pubPath, "pub", "", "public key path (default: XDG_CONFIG_HOME/sandhost/keys/signing_key.pub)")

	return cmd
}

func runVerify(cmd *cobra.Command, cfg *verifyConfig, dir string) error {
	pubPath := cfg.pubPath
	if pubPath == "" {
		pubPath = filepath.Join(xdg.KeysDir(), security.PublicKeyFile)
	}
	pub, err := security.LoadPublicKey(pubPath)
	if err != nil {
		return err
	}
	ok, err := security.VerifyDir(dir, pub)
	if err != nil {
		return err
	}
	if !ok {
		return oops.In("verify").Code(errutil.CodeSecurity).With("dir", dir).
			Errorf("signature of %s is missing or does not match", dir)
	}
	cmd.Println("Signature OK")
	return nil
}
