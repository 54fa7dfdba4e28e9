package cipher

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// kdfContext binds derived keys to this protocol and version. Changing the
// protocol in an incompatible way must change this string.
const kdfContext = "noteece/sync v1 session key"

// DeriveSessionKey derives the 256-bit session key from an ECDH shared
// secret using HKDF-SHA256. The info string includes both device ids in
// lexical order so either side derives the same key and a secret
// established with one peer can never be confused with another's.
//
// The caller owns wiping sharedSecret after this returns.
func DeriveSessionKey(sharedSecret []byte, deviceA, deviceB string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("empty shared secret")
	}

	lo, hi := deviceA, deviceB
	if lo > hi {
		lo, hi = hi, lo
	}
	info := []byte(kdfContext + "|" + lo + "|" + hi)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}

// DeriveVaultKey stretches a passphrase into the 256-bit vault key with
// Argon2id. The salt is generated once per installation and persisted.
func DeriveVaultKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}
