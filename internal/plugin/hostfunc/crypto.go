// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package hostfunc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/crypto/blake2b"
)

// maxRandomBytes caps api.crypto.random_hex.
const maxRandomBytes = 1024

// cryptoTable builds api.crypto. Always granted.
func cryptoTable(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "hash", L.NewFunction(cryptoHash))
	L.SetField(mod, "hmac_sha256", L.NewFunction(cryptoHMAC))
	L.SetField(mod, "random_hex", L.NewFunction(cryptoRandomHex))
	L.SetField(mod, "ulid", L.NewFunction(cryptoULID))
	return mod
}

func newHash(algo string) (hash.Hash, bool) {
	switch algo {
	case "sha256":
		return sha256.New(), true
	case "sha512":
		return sha512.New(), true
	case "blake2b":
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, false
		}
		return h, true
	default:
		return nil, false
	}
}

// cryptoHash: api.crypto.hash(algo, data) -> hex digest
func cryptoHash(L *lua.LState) int {
	algo := L.CheckString(1)
	data := L.CheckString(2)
	h, ok := newHash(algo)
	if !ok {
		L.ArgError(1, "unsupported hash algorithm "+algo+" (sha256, sha512, blake2b)")
		return 0
	}
	_, _ = h.Write([]byte(data))
	L.Push(lua.LString(hex.EncodeToString(h.Sum(nil))))
	return 1
}

// cryptoHMAC: api.crypto.hmac_sha256(key, data) -> hex mac
func cryptoHMAC(L *lua.LState) int {
	key := L.CheckString(1)
	data := L.CheckString(2)
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(data))
	L.Push(lua.LString(hex.EncodeToString(mac.Sum(nil))))
	return 1
}

// cryptoRandomHex: api.crypto.random_hex(n) -> 2n hex chars
func cryptoRandomHex(L *lua.LState) int {
	n := L.OptInt(1, 16)
	if n <= 0 || n > maxRandomBytes {
		L.ArgError(1, "byte count must be between 1 and 1024")
		return 0
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return pushError(L, err.Error())
	}
	L.Push(lua.LString(hex.EncodeToString(buf)))
	return 1
}

func cryptoULID(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}
