package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// HashPassphrase returns the lowercase hex SHA-256 of the passphrase's UTF-8 bytes.
// Callers trim the passphrase first; the hash is what gets stored and compared.
func HashPassphrase(passphrase string) string {
	h := sha256.Sum256([]byte(passphrase))
	return hex.EncodeToString(h[:])
}

// PassphraseMatches performs a constant-time comparison of the provided passphrase's hash
// with the stored hash. Empty input never matches.
func PassphraseMatches(passphrase, storedHash string) bool {
	if passphrase == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashPassphrase(passphrase)), []byte(storedHash)) == 1
}

// GeneratePassphrase returns a new random machine-group passphrase (uppercase GUID).
func GeneratePassphrase() string {
	return strings.ToUpper(uuid.NewString())
}
