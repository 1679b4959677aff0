// Package crypto provides AES-256-GCM field encryption with key rotation.
//
// Each encrypted value carries the id of the key that produced it, so values
// written under retired keys stay readable after rotation. New values are
// always written under the current key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

const algoAESGCM = "aes-256-gcm"

var (
	ErrNoKeys            = errors.New("no encryption keys configured")
	ErrUnknownKeyID      = errors.New("ciphertext references an unknown key id")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Envelope is the stored form of an encrypted field.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Algo       string `json:"algo"`
	Ciphertext string `json:"ciphertext"`
}

type keyEntry struct {
	id  string
	gcm cipher.AEAD
}

// KeyRing holds the current encryption key plus any retired keys still needed
// for decryption.
type KeyRing struct {
	mu      sync.RWMutex
	current keyEntry
	retired map[string]cipher.AEAD
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	// Any passphrase is accepted; non-32-byte input is stretched via SHA-256.
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// NewKeyRing creates a key ring with the given current key.
func NewKeyRing(currentID string, currentKey []byte) (*KeyRing, error) {
	if len(currentKey) == 0 {
		return nil, ErrNoKeys
	}
	gcm, err := newAEAD(currentKey)
	if err != nil {
		return nil, err
	}
	return &KeyRing{
		current: keyEntry{id: currentID, gcm: gcm},
		retired: make(map[string]cipher.AEAD),
	}, nil
}

// AddRetired registers a retired key for decryption only.
func (r *KeyRing) AddRetired(id string, key []byte) error {
	gcm, err := newAEAD(key)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.retired[id] = gcm
	r.mu.Unlock()
	return nil
}

// Rotate promotes a new current key; the previous current key is retired.
func (r *KeyRing) Rotate(newID string, newKey []byte) error {
	gcm, err := newAEAD(newKey)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.retired[r.current.id] = r.current.gcm
	r.current = keyEntry{id: newID, gcm: gcm}
	r.mu.Unlock()
	return nil
}

// CurrentKeyID returns the id new values are encrypted under.
func (r *KeyRing) CurrentKeyID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.id
}

// Encrypt encrypts plaintext under the current key.
func (r *KeyRing) Encrypt(plaintext string) (*Envelope, error) {
	if plaintext == "" {
		return &Envelope{KeyID: r.CurrentKeyID(), Algo: algoAESGCM}, nil
	}

	r.mu.RLock()
	entry := r.current
	r.mu.RUnlock()

	nonce := make([]byte, entry.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := entry.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return &Envelope{
		KeyID:      entry.id,
		Algo:       algoAESGCM,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt decrypts an envelope written under the current or a retired key.
func (r *KeyRing) Decrypt(env *Envelope) (string, error) {
	if env == nil || env.Ciphertext == "" {
		return "", nil
	}

	r.mu.RLock()
	gcm := r.retired[env.KeyID]
	if env.KeyID == r.current.id {
		gcm = r.current.gcm
	}
	r.mu.RUnlock()

	if gcm == nil {
		return "", ErrUnknownKeyID
	}

	data, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, encrypted := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// EncryptString is a convenience for columns that store the envelope as a
// single string of the form "key_id:ciphertext".
func (r *KeyRing) EncryptString(plaintext string) (string, error) {
	env, err := r.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	if env.Ciphertext == "" {
		return "", nil
	}
	return env.KeyID + ":" + env.Ciphertext, nil
}

// DecryptString reverses EncryptString. Values without a key-id prefix are
// assumed to have been written under the current key.
func (r *KeyRing) DecryptString(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	keyID := r.CurrentKeyID()
	ciphertext := stored
	if i := indexByte(stored, ':'); i > 0 {
		keyID, ciphertext = stored[:i], stored[i+1:]
	}
	return r.Decrypt(&Envelope{KeyID: keyID, Algo: algoAESGCM, Ciphertext: ciphertext})
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
