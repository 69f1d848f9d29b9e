package vault

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestSealOpen(t *testing.T) {
	key := []byte("thisis32byteslongsecretkey123456")
	plaintext := []byte(`[{"user_id":"u1","building":"Library"}]`)

	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("Library")) {
		t.Fatal("sealed data should not contain plaintext")
	}

	opened, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Expected %s, got %s", plaintext, opened)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	key1 := []byte("thisis32byteslongsecretkey123456")
	key2 := []byte("another32byteslongsecretkey65432")

	sealed, err := Seal([]byte("history"), key1)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := Open(sealed, key2); err == nil {
		t.Error("Open should fail with the wrong key")
	}
}

func TestOpenTruncated(t *testing.T) {
	key := []byte("thisis32byteslongsecretkey123456")
	if _, err := Open([]byte("abcd"), key); err == nil {
		t.Error("Open should fail on short input")
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("")
	if err != nil || key != nil {
		t.Fatalf("empty key should disable sealing, got %v %v", key, err)
	}

	raw := bytes.Repeat([]byte{0xab}, KeySize)
	key, err = ParseKey(hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if !bytes.Equal(key, raw) {
		t.Errorf("unexpected key %x", key)
	}

	if _, err := ParseKey("abcd"); err != ErrInvalidKey {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
	if _, err := ParseKey("zz"); err == nil {
		t.Error("non-hex key should fail")
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("expected a DER certificate")
	}
	if cert.PrivateKey == nil {
		t.Fatal("expected a private key")
	}
}
