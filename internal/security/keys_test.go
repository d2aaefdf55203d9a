package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPEM_InlinePEM(t *testing.T) {
	pemBytes, err := LoadPEM(testPrivateKeyPEM)
	if err != nil {
		t.Fatalf("LoadPEM: %v", err)
	}
	if !strings.Contains(string(pemBytes), "-----BEGIN") {
		t.Error("LoadPEM did not return PEM content")
	}
}

func TestLoadPEM_LiteralNewlines(t *testing.T) {
	escaped := strings.ReplaceAll(testPublicKeyPEM, "\n", `\n`)
	if _, err := ParsePublicKey(escaped); err != nil {
		t.Fatalf("ParsePublicKey with literal \\n: %v", err)
	}
}

func TestLoadPEM_FilePath(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.pem")
	if err := os.WriteFile(tmpFile, []byte(testPrivateKeyPEM), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	pemBytes, err := LoadPEM(tmpFile)
	if err != nil {
		t.Fatalf("LoadPEM: %v", err)
	}
	if !strings.Contains(string(pemBytes), "-----BEGIN") {
		t.Error("LoadPEM did not read file content")
	}
}

func TestLoadPEM_Empty(t *testing.T) {
	for _, s := range []string{"", "   "} {
		if _, err := LoadPEM(s); err != ErrInvalidKey {
			t.Errorf("LoadPEM(%q): want ErrInvalidKey, got %v", s, err)
		}
	}
}

func TestLoadPEM_MissingFile(t *testing.T) {
	if _, err := LoadPEM("/nonexistent/file.pem"); err == nil {
		t.Error("LoadPEM should return error for nonexistent file")
	}
}

func TestParsePrivateKey_NotAKey(t *testing.T) {
	cert := "-----BEGIN CERTIFICATE-----\nMII=\n-----END CERTIFICATE-----"
	if _, err := ParsePrivateKey(cert); err == nil {
		t.Error("ParsePrivateKey should reject non-key PEM")
	}
	if _, err := ParsePublicKey(cert); err == nil {
		t.Error("ParsePublicKey should reject non-key PEM")
	}
}

func TestLoadKeyPair_RSA(t *testing.T) {
	signer, pub, err := LoadKeyPair(testPrivateKeyPEM, testPublicKeyPEM)
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if signer == nil || pub == nil {
		t.Fatal("LoadKeyPair returned nil key")
	}
	if m := SigningMethod(pub); m == nil || m.Alg() != "RS256" {
		t.Errorf("SigningMethod = %v, want RS256", m)
	}
}

func TestLoadKeyPair_Mismatch(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&ec.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	otherPub := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	_, _, err = LoadKeyPair(testPrivateKeyPEM, otherPub)
	if !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("LoadKeyPair mismatched: want ErrKeyMismatch, got %v", err)
	}
}

func TestSigningMethod_Unsupported(t *testing.T) {
	if m := SigningMethod(nil); m != nil {
		t.Errorf("SigningMethod(nil) = %v, want nil", m)
	}
}
