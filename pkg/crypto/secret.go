package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// secret.go - шифрование API ключей биржи в конфигурации
//
// Значения вида "enc:<base64>" в .env / YAML расшифровываются
// мастер-ключом (AES-256-GCM) при загрузке конфига.
// Значения без префикса возвращаются как есть.

// SecretPrefix префикс зашифрованного значения
const SecretPrefix = "enc:"

// Ошибки шифрования
var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
	ErrMissingMasterKey   = errors.New("encrypted secret requires a master key")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt шифрует plaintext (AES-256-GCM), результат в base64
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// nonce хранится перед шифротекстом
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt расшифровывает base64 шифротекст
func Decrypt(ciphertextBase64 string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// SealSecret шифрует значение и добавляет префикс "enc:"
func SealSecret(plaintext, masterKey string) (string, error) {
	ct, err := Encrypt(plaintext, []byte(masterKey))
	if err != nil {
		return "", err
	}
	return SecretPrefix + ct, nil
}

// OpenSecret расшифровывает значение с префиксом "enc:".
// Значение без префикса возвращается без изменений.
func OpenSecret(value, masterKey string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if masterKey == "" {
		return "", ErrMissingMasterKey
	}
	return Decrypt(strings.TrimPrefix(value, SecretPrefix), []byte(masterKey))
}

// IsSealed проверяет наличие префикса "enc:"
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}

// GenerateKey генерирует случайный ключ (32 байта для AES-256)
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey проверяет, что ключ имеет правильную длину
func ValidateKey(key []byte) error {
	if len(key) != 32 {
		return ErrInvalidKeyLength
	}
	return nil
}
