package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32 // AES-256
	saltSize   = 32
	pbkdf2Iter = 100000
)

// TokenStore keeps the remote catalog token encrypted at rest. The key is
// derived from a per-install random salt plus a machine identifier, so a
// copied token file is useless on another machine.
type TokenStore struct {
	keyPath   string
	tokenPath string
}

// NewTokenStore creates a token store rooted at dataDir
func NewTokenStore(dataDir string) *TokenStore {
	return &TokenStore{
		keyPath:   filepath.Join(dataDir, ".key"),
		tokenPath: filepath.Join(dataDir, ".token"),
	}
}

// Save encrypts and persists the catalog token
func (ts *TokenStore) Save(token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	key, err := ts.getOrCreateKey()
	if err != nil {
		return fmt.Errorf("failed to get encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(token), nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	if err := os.MkdirAll(filepath.Dir(ts.tokenPath), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(ts.tokenPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Load decrypts the persisted catalog token
func (ts *TokenStore) Load() (string, error) {
	data, err := os.ReadFile(ts.tokenPath)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	key, err := ts.loadKey()
	if err != nil {
		return "", fmt.Errorf("failed to load encryption key: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	return string(plaintext), nil
}

// Clear removes the persisted token and key material
func (ts *TokenStore) Clear() error {
	if err := os.Remove(ts.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	if err := os.Remove(ts.keyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// getOrCreateKey gets or creates the encryption key
func (ts *TokenStore) getOrCreateKey() ([]byte, error) {
	key, err := ts.loadKey()
	if err == nil {
		return key, nil
	}
	return ts.generateAndSaveKey()
}

// loadKey loads the salt file and re-derives the key
func (ts *TokenStore) loadKey() ([]byte, error) {
	data, err := os.ReadFile(ts.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}

	if len(salt) < saltSize {
		return nil, fmt.Errorf("invalid key file format")
	}

	return pbkdf2.Key([]byte(ts.machineID()), salt[:saltSize], pbkdf2Iter, keySize, sha256.New), nil
}

// generateAndSaveKey generates a salt, persists it, and derives the key
func (ts *TokenStore) generateAndSaveKey() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(ts.machineID()), salt, pbkdf2Iter, keySize, sha256.New)

	encoded := base64.StdEncoding.EncodeToString(salt)
	if err := os.MkdirAll(filepath.Dir(ts.keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(ts.keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	return key, nil
}

// machineID returns a machine-specific identifier used as the KDF password
func (ts *TokenStore) machineID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "default-machine"
	}

	username := os.Getenv("USERNAME")
	if username == "" {
		username = os.Getenv("USER")
	}
	if username == "" {
		username = "default-user"
	}

	return hostname + ":" + username
}
