package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const saltLen = 32

// Encrypter seals and opens wallet mnemonics with a process-wide secret.
// Key derivation is scrypt, the cipher is AES-256-GCM, and the ciphertext
// layout is nonce || sealed || salt.
type Encrypter struct {
	secret []byte
}

// NewEncrypter creates an Encrypter from the process-wide secret.
func NewEncrypter(secret string) (*Encrypter, error) {
	if secret == "" {
		return nil, fmt.Errorf("wallet: empty encryption secret")
	}
	return &Encrypter{secret: []byte(secret)}, nil
}

func (e *Encrypter) deriveKey(salt []byte) ([]byte, []byte, error) {
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, err
		}
	}
	key, err := scrypt.Key(e.secret, salt, 32768, 8, 1, 32)
	if err != nil {
		return nil, nil, err
	}
	return key, salt, nil
}

// Encrypt seals a mnemonic and returns it base64-encoded.
func (e *Encrypter) Encrypt(mnemonic string) (string, error) {
	if mnemonic == "" {
		return "", fmt.Errorf("wallet: missing plaintext mnemonic")
	}

	key, salt, err := e.deriveKey(nil)
	if err != nil {
		return "", err
	}

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(mnemonic), nil)
	ciphertext = append(ciphertext, salt...)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a sealed mnemonic.
func (e *Encrypter) Decrypt(encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("wallet: encrypted mnemonic is not valid base64: %w", err)
	}
	if len(raw) <= saltLen {
		return "", fmt.Errorf("wallet: encrypted mnemonic too short")
	}

	salt := raw[len(raw)-saltLen:]
	data := raw[:len(raw)-saltLen]

	key, _, err := e.deriveKey(salt)
	if err != nil {
		return "", err
	}

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("wallet: encrypted mnemonic too short")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("wallet: decryption failed (wrong secret?)")
	}
	return string(plaintext), nil
}
