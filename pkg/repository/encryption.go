package repository

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

// encryptedPrefix marks a column value written by EncryptedString. Values
// without the prefix are read back verbatim, which keeps rows written before
// encryption was enabled readable.
const encryptedPrefix = "enc:v1:"

var (
	fieldCipherMu sync.RWMutex
	fieldCipher   cipher.AEAD
)

// InitFieldEncryption sets the process-wide key used by EncryptedString.
// An empty key disables encryption.
func InitFieldEncryption(base64Key string) error {
	fieldCipherMu.Lock()
	defer fieldCipherMu.Unlock()

	if base64Key == "" {
		fieldCipher = nil
		return nil
	}

	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return fmt.Errorf("decoding encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("creating GCM: %w", err)
	}
	fieldCipher = aead
	return nil
}

func currentCipher() cipher.AEAD {
	fieldCipherMu.RLock()
	defer fieldCipherMu.RUnlock()
	return fieldCipher
}

// EncryptedString is a string column that is encrypted at rest. Callers
// only ever see the plaintext.
type EncryptedString string

// Value implements driver.Valuer.
func (s EncryptedString) Value() (driver.Value, error) {
	aead := currentCipher()
	if aead == nil || s == "" {
		return string(s), nil
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(s), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner.
func (s *EncryptedString) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*s = ""
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported type %T for encrypted column", src)
	}

	encoded, ok := strings.CutPrefix(raw, encryptedPrefix)
	if !ok {
		*s = EncryptedString(raw)
		return nil
	}

	aead := currentCipher()
	if aead == nil {
		return fmt.Errorf("encrypted column found but no encryption key is configured")
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding encrypted column: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return fmt.Errorf("encrypted column too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypting column: %w", err)
	}
	*s = EncryptedString(plain)
	return nil
}

// String returns the plaintext.
func (s EncryptedString) String() string {
	return string(s)
}
