package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ring, err := NewKeyRing("k1", []byte("unit-test-key"))
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	tests := []string{
		"",
		"short",
		"I forgot my password, please help.",
		"multi\nline\nbody with unicode: café ☕",
	}

	for _, plaintext := range tests {
		env, err := ring.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if plaintext != "" && env.KeyID != "k1" {
			t.Errorf("expected key id k1, got %s", env.KeyID)
		}
		got, err := ring.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	ring, _ := NewKeyRing("k1", []byte("unit-test-key"))

	a, _ := ring.Encrypt("same plaintext")
	b, _ := ring.Encrypt("same plaintext")
	if a.Ciphertext == b.Ciphertext {
		t.Error("expected random nonces to produce distinct ciphertexts")
	}
}

func TestKeyRotationPreservesOldValues(t *testing.T) {
	ring, _ := NewKeyRing("k1", []byte("first-key"))

	env, err := ring.Encrypt("written under k1")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := ring.Rotate("k2", []byte("second-key")); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if ring.CurrentKeyID() != "k2" {
		t.Errorf("expected current key k2, got %s", ring.CurrentKeyID())
	}

	// Old envelope still decrypts under the retired key.
	got, err := ring.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt after rotation: %v", err)
	}
	if got != "written under k1" {
		t.Errorf("got %q", got)
	}

	// New writes carry the new key id.
	env2, _ := ring.Encrypt("written under k2")
	if env2.KeyID != "k2" {
		t.Errorf("expected new writes under k2, got %s", env2.KeyID)
	}
}

func TestDecryptUnknownKeyID(t *testing.T) {
	ring, _ := NewKeyRing("k1", []byte("first-key"))
	env, _ := ring.Encrypt("secret")
	env.KeyID = "missing"

	if _, err := ring.Decrypt(env); err != ErrUnknownKeyID {
		t.Errorf("expected ErrUnknownKeyID, got %v", err)
	}
}

func TestEncryptStringFormat(t *testing.T) {
	ring, _ := NewKeyRing("k1", []byte("first-key"))

	stored, err := ring.EncryptString("hello")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if stored == "" || stored[:3] != "k1:" {
		t.Fatalf("expected key-id prefix, got %q", stored)
	}

	got, err := ring.DecryptString(stored)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q", got)
	}

	if got, _ := ring.DecryptString(""); got != "" {
		t.Errorf("empty stored value should decrypt to empty, got %q", got)
	}
}
