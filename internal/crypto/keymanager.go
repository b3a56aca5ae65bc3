// Package crypto signs exchange requests and keeps the exchange API secret
// encrypted at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealVersion       = 1
	sealKDF           = "pbkdf2-sha256"
	defaultIterations = 480_000
	saltLen           = 16
	keyLen            = 32
)

// ErrWrongPassword is returned when a sealed secret does not open.
var ErrWrongPassword = errors.New("crypto: decryption failed (wrong password?)")

// sealed is the JSON document EncryptSecret writes. Byte fields are base64
// in the document.
type sealed struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations,omitempty"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SecretConfig says where LoadSecret finds the API secret.
type SecretConfig struct {
	Raw           string // plaintext; wins when set
	EncryptedPath string // document written by EncryptSecret
	Password      string
}

// EncryptSecret seals secret under password with PBKDF2-HMAC-SHA256 and
// AES-256-GCM and returns the document to store.
func EncryptSecret(secret, password string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	switch {
	case password == "":
		return nil, errors.New("crypto: password must not be empty")
	case secret == "":
		return nil, errors.New("crypto: secret must not be empty")
	}

	doc := sealed{
		Version:    sealVersion,
		KDF:        sealKDF,
		Iterations: defaultIterations,
		Salt:       make([]byte, saltLen),
	}
	if _, err := rand.Read(doc.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := doc.aead(password)
	if err != nil {
		return nil, err
	}
	doc.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(doc.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	doc.Ciphertext = aead.Seal(nil, doc.Nonce, []byte(secret), nil)
	return json.MarshalIndent(doc, "", "  ")
}

// DecryptSecret opens a document written by EncryptSecret.
func DecryptSecret(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var doc sealed
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("crypto: parse sealed secret: %w", err)
	}
	if doc.Version != sealVersion || doc.KDF != sealKDF {
		return "", fmt.Errorf("crypto: unsupported sealed secret v%d/%s", doc.Version, doc.KDF)
	}
	aead, err := doc.aead(password)
	if err != nil {
		return "", err
	}
	if len(doc.Nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: nonce is %d bytes, want %d", len(doc.Nonce), aead.NonceSize())
	}
	plain, err := aead.Open(nil, doc.Nonce, doc.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	return string(plain), nil
}

func (s sealed) aead(password string) (cipher.AEAD, error) {
	iter := s.Iterations
	if iter <= 0 {
		iter = defaultIterations
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), s.Salt, iter, keyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// LoadSecret resolves the API secret from Raw, then EncryptedPath. An empty
// config yields an empty secret: an unsigned gateway, which only monitor
// and backtest modes accept.
func LoadSecret(cfg SecretConfig) (string, error) {
	if raw := strings.TrimSpace(cfg.Raw); raw != "" {
		return raw, nil
	}
	if cfg.EncryptedPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(cfg.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: read sealed secret: %w", err)
	}
	return DecryptSecret(data, cfg.Password)
}
