// Package vault encrypts the secrets referenced from the engine's
// environment. Records are sealed with AES-256-GCM under a key derived
// from the operator passphrase.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/mtzanidakis/swarmbridge/internal/store"
)

// Argon2id parameters. Changing them invalidates every stored secret.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keyLen     = 32
)

// ErrDecrypt reports a secret that does not open under the current key,
// usually a changed passphrase.
var ErrDecrypt = errors.New("secret cannot be decrypted")

type Vault struct {
	aead cipher.AEAD
}

// New derives the key from passphrase. The salt is a hash of the
// passphrase so the key is stable across restarts.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], kdfTime, kdfMemory, kdfThreads, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		panic(fmt.Sprintf("vault: aes key: %v", err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(fmt.Sprintf("vault: gcm: %v", err))
	}
	return &Vault{aead: aead}
}

// Seal encrypts value into a secret record ready to be saved. The record
// name is bound as additional data, so a value moved to another name
// fails to open.
func (v *Vault) Seal(id, name, description string, value []byte) (*store.Secret, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal %s: nonce: %w", name, err)
	}
	return &store.Secret{
		ID:          id,
		Name:        name,
		Description: description,
		Value:       v.aead.Seal(nil, nonce, value, []byte(name)),
		Nonce:       nonce,
	}, nil
}

func (v *Vault) Open(sec *store.Secret) ([]byte, error) {
	if len(sec.Nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("open %s: %w: bad nonce length %d", sec.Name, ErrDecrypt, len(sec.Nonce))
	}
	plaintext, err := v.aead.Open(nil, sec.Nonce, sec.Value, []byte(sec.Name))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sec.Name, ErrDecrypt)
	}
	return plaintext, nil
}
