package verifactu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// Cifrado simétrico del material del certificado en reposo. AES-256-GCM con
// nonce aleatorio antepuesto al texto cifrado. La clave externa se deriva a
// 32 bytes con SHA-256 para admitir claves de configuración de cualquier largo.

var errCiphertextCorto = errors.New("verifactu: texto cifrado demasiado corto")

// SecretBox cifra y descifra secretos con una clave simétrica.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox construye la caja con la clave de configuración.
func NewSecretBox(key string) (*SecretBox, error) {
	if key == "" {
		return nil, errors.New("verifactu: clave de cifrado vacía")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("verifactu: crear cifrador: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("verifactu: crear GCM: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal cifra el secreto. El nonce va antepuesto al resultado.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("verifactu: generar nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open descifra un secreto sellado con Seal.
func (b *SecretBox) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < b.aead.NonceSize() {
		return nil, errCiphertextCorto
	}
	nonce, sealed := ciphertext[:b.aead.NonceSize()], ciphertext[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("verifactu: descifrar: %w", err)
	}
	return plaintext, nil
}
