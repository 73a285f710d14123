/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vault implements the credential vault (spec C1): sealing and
// unsealing opaque byte blobs with an authenticated symmetric primitive.
// It never logs plaintext and holds a single process-wide key.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	opshosterrors "github.com/otium-labs/opshost/lib/errors"
)

const (
	keySize   = 32
	nonceSize = 24
)

// Vault seals and unseals credential byte blobs using
// golang.org/x/crypto/nacl/secretbox (XSalsa20-Poly1305), with a fresh
// random nonce per Seal call. x/crypto is already required by this module
// for SSH (lib/transport), so this adds no new dependency.
type Vault struct {
	key [keySize]byte
}

// New derives a vault key from keyMaterial via HKDF-SHA256. If keyMaterial
// is empty, a random ephemeral key is generated and a one-time warning is
// logged, per spec §4.1: callers must treat such a vault as ephemeral
// (sealed blobs will not unseal across a process restart).
func New(keyMaterial string) (*Vault, error) {
	v := &Vault{}
	if keyMaterial == "" {
		if _, err := io.ReadFull(rand.Reader, v.key[:]); err != nil {
			return nil, trace.Wrap(err, "generating ephemeral vault key")
		}
		log.Warn("credential vault: no key material configured, generated an ephemeral in-process key")
		return v, nil
	}
	kdf := hkdf.New(sha256.New, []byte(keyMaterial), nil, []byte("opshost-credential-vault"))
	if _, err := io.ReadFull(kdf, v.key[:]); err != nil {
		return nil, trace.Wrap(err, "deriving vault key")
	}
	return v, nil
}

// Seal encrypts plaintext under the vault's key with a fresh random nonce,
// returning nonce||ciphertext||tag.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &v.key)
	return sealed, nil
}

// Unseal decrypts a blob produced by Seal. Tampering with any single byte
// of the input causes the Poly1305 tag check to fail, surfaced as
// CredentialIntegrityError.
func (v *Vault) Unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, &opshosterrors.CredentialIntegrityError{Cause: trace.BadParameter("sealed blob shorter than nonce")}
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, &opshosterrors.CredentialIntegrityError{Cause: trace.BadParameter("authentication failed")}
	}
	return plaintext, nil
}

// Zero overwrites buf with zero bytes in place. Callers must call this on
// any plaintext credential buffer once they are done with it.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
