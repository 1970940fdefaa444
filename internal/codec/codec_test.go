package codec

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, KeySize)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return secret
}

func TestCodec_RoundTrip(t *testing.T) {
	secret := testSecret(t)
	c, err := New(secret, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := make([]byte, 4096-Overhead)
	rand.Read(plaintext)

	sealed := c.Encrypt(42, plaintext)
	if len(sealed) != len(plaintext)+Overhead {
		t.Fatalf("sealed length: got %d, want %d", len(sealed), len(plaintext)+Overhead)
	}

	got, err := c.Decrypt(42, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestCodec_WrongKeyFails(t *testing.T) {
	c1, _ := New(testSecret(t), 1)
	c2, _ := New(testSecret(t), 1)

	sealed := c1.Encrypt(7, []byte("payload"))
	if _, err := c2.Decrypt(7, sealed); err == nil {
		t.Fatal("Decrypt with wrong key: want error, got nil")
	}
}

func TestCodec_RelocatedPageFails(t *testing.T) {
	c, _ := New(testSecret(t), 1)

	sealed := c.Encrypt(7, []byte("payload"))
	if _, err := c.Decrypt(8, sealed); err == nil {
		t.Fatal("Decrypt with wrong page id: want error, got nil")
	}
}

func TestCodec_CorruptedCiphertextFails(t *testing.T) {
	c, _ := New(testSecret(t), 1)

	sealed := c.Encrypt(7, []byte("payload"))
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := c.Decrypt(7, sealed); err == nil {
		t.Fatal("Decrypt of corrupted page: want error, got nil")
	}
}

func TestCodec_NonceNeverRepeats(t *testing.T) {
	c, _ := New(testSecret(t), 3)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		sealed := c.Encrypt(1, []byte("same page, rewritten"))
		nonce := string(sealed[:NonceSize])
		if seen[nonce] {
			t.Fatalf("nonce repeated at write %d", i)
		}
		seen[nonce] = true
	}
}

func TestCodec_BadSecretLength(t *testing.T) {
	if _, err := New([]byte("short"), 1); err == nil {
		t.Fatal("New with short secret: want error, got nil")
	}
}
